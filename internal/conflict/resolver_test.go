package conflict

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestDetectReturnsNilWhenEqual(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	record := map[string]interface{}{"id": 1, "name": "Jane"}
	assert.Nil(t, r.Detect("users", nil, record, record))
}

func TestDetectFieldSetIsSymmetric(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	source := map[string]interface{}{"id": 1, "name": "Jane", "email": "jane@example.com"}
	target := map[string]interface{}{"id": 1, "name": "John", "phone": "555-0100"}

	forward := r.Detect("users", map[string]interface{}{"id": 1}, source, target)
	backward := r.Detect("users", map[string]interface{}{"id": 1}, target, source)
	require.NotNil(t, forward)
	require.NotNil(t, backward)

	assert.Equal(t, []string{"email", "name", "phone"}, forward.Fields)
	assert.Equal(t, forward.Fields, backward.Fields)
}

func TestDetectClassification(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())

	deletion := r.Detect("users", nil, map[string]interface{}{"id": 1}, map[string]interface{}{})
	require.NotNil(t, deletion)
	assert.Equal(t, TypeDeletion, deletion.Type)

	ts := r.Detect("users", nil,
		map[string]interface{}{"id": 1, "updated_at": "2024-03-01T10:00:00Z"},
		map[string]interface{}{"id": 1, "updated_at": "2024-03-01T11:00:00Z"})
	require.NotNil(t, ts)
	assert.Equal(t, TypeTimestamp, ts.Type)

	ver := r.Detect("users", nil,
		map[string]interface{}{"id": 1, "version": 3},
		map[string]interface{}{"id": 1, "version": 4})
	require.NotNil(t, ver)
	assert.Equal(t, TypeVersion, ver.Type)

	val := r.Detect("users", nil,
		map[string]interface{}{"id": 1, "name": "Jane"},
		map[string]interface{}{"id": 1, "name": "John"})
	require.NotNil(t, val)
	assert.Equal(t, TypeValue, val.Type)
}

func TestResolveSourceAndTargetWins(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	c := r.Detect("users", nil,
		map[string]interface{}{"id": 1, "name": "Jane"},
		map[string]interface{}{"id": 1, "name": "John"})
	require.NotNil(t, c)

	res, err := r.Resolve(c, SourceWins)
	require.NoError(t, err)
	assert.Equal(t, "Jane", res.Resolved["name"])
	assert.Equal(t, SourceWins, res.StrategyUsed)

	res, err = r.Resolve(c, TargetWins)
	require.NoError(t, err)
	assert.Equal(t, "John", res.Resolved["name"])
	assert.Equal(t, TargetWins, res.StrategyUsed)

	// Empty strategy falls back to the resolver default.
	res, err = r.Resolve(c, "")
	require.NoError(t, err)
	assert.Equal(t, SourceWins, res.StrategyUsed)
}

func TestResolveTimestampBased(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	older := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	t.Run("newer target wins", func(t *testing.T) {
		c := r.Detect("users", nil,
			map[string]interface{}{"name": "Jane", "updated_at": older},
			map[string]interface{}{"name": "John", "updated_at": newer})
		require.NotNil(t, c)
		res, err := r.Resolve(c, TimestampBased)
		require.NoError(t, err)
		assert.Equal(t, "John", res.Resolved["name"])
		assert.Equal(t, TimestampBased, res.StrategyUsed)
	})

	t.Run("newer source wins", func(t *testing.T) {
		c := r.Detect("users", nil,
			map[string]interface{}{"name": "Jane", "updated_at": newer},
			map[string]interface{}{"name": "John", "updated_at": older})
		require.NotNil(t, c)
		res, err := r.Resolve(c, TimestampBased)
		require.NoError(t, err)
		assert.Equal(t, "Jane", res.Resolved["name"])
	})

	t.Run("equal timestamps keep source", func(t *testing.T) {
		c := r.Detect("users", nil,
			map[string]interface{}{"name": "Jane", "updated_at": older},
			map[string]interface{}{"name": "John", "updated_at": older})
		require.NotNil(t, c)
		res, err := r.Resolve(c, TimestampBased)
		require.NoError(t, err)
		assert.Equal(t, "Jane", res.Resolved["name"])
	})

	t.Run("missing timestamp falls back to source wins", func(t *testing.T) {
		c := r.Detect("users", nil,
			map[string]interface{}{"name": "Jane"},
			map[string]interface{}{"name": "John", "updated_at": newer})
		require.NotNil(t, c)
		res, err := r.Resolve(c, TimestampBased)
		require.NoError(t, err)
		assert.Equal(t, "Jane", res.Resolved["name"])
		assert.Equal(t, SourceWins, res.StrategyUsed)
	})
}

func TestResolveVersionBased(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	c := r.Detect("orders", nil,
		map[string]interface{}{"status": "shipped", "version": int64(7)},
		map[string]interface{}{"status": "pending", "version": int64(9)})
	require.NotNil(t, c)

	res, err := r.Resolve(c, VersionBased)
	require.NoError(t, err)
	assert.Equal(t, "pending", res.Resolved["status"])
	assert.Equal(t, VersionBased, res.StrategyUsed)
}

func TestResolveMergeValues(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	c := r.Detect("orders", nil,
		map[string]interface{}{"qty": 3, "note": "short", "src_only": "a"},
		map[string]interface{}{"qty": 5, "note": "much longer note", "tgt_only": "b"})
	require.NotNil(t, c)

	res, err := r.Resolve(c, MergeValues)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Resolved["qty"])
	assert.Equal(t, "much longer note", res.Resolved["note"])
	assert.Equal(t, "a", res.Resolved["src_only"])
	assert.Equal(t, "b", res.Resolved["tgt_only"])
}

func TestResolveFieldLevel(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	r.RegisterFieldResolver("name", func(field string, source, target interface{}) interface{} {
		return target
	})

	c := r.Detect("users", nil,
		map[string]interface{}{"name": "Jane", "city": "Oslo"},
		map[string]interface{}{"name": "John", "city": "Bergen"})
	require.NotNil(t, c)

	res, err := r.Resolve(c, FieldLevel)
	require.NoError(t, err)
	// Registered resolver decides name; unresolved fields keep source.
	assert.Equal(t, "John", res.Resolved["name"])
	assert.Equal(t, "Oslo", res.Resolved["city"])
	assert.Equal(t, FieldLevel, res.StrategyUsed)
}

func TestResolveManual(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	c := r.Detect("users", nil,
		map[string]interface{}{"name": "Jane"},
		map[string]interface{}{"name": "John"})
	require.NotNil(t, c)

	_, err := r.Resolve(c, Manual)
	require.ErrorIs(t, err, ErrManualRequired)

	res, err := r.ResolveManual(c, map[string]interface{}{"name": "Janet"})
	require.NoError(t, err)
	assert.Equal(t, "Janet", res.Resolved["name"])
	assert.Equal(t, Manual, res.StrategyUsed)
}

func TestResolveRejectsUnknownStrategy(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	c := r.Detect("users", nil,
		map[string]interface{}{"name": "Jane"},
		map[string]interface{}{"name": "John"})
	require.NotNil(t, c)

	_, err := r.Resolve(c, Strategy("COIN_FLIP"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown conflict resolution strategy")
}

func TestSetTrackedFields(t *testing.T) {
	r := NewResolver(SourceWins, testLogger())
	r.SetTrackedFields("modified", "rev")

	c := r.Detect("docs", nil,
		map[string]interface{}{"body": "a", "rev": 2},
		map[string]interface{}{"body": "b", "rev": 5})
	require.NotNil(t, c)
	assert.Equal(t, TypeVersion, c.Type)

	res, err := r.Resolve(c, VersionBased)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Resolved["body"])
}
