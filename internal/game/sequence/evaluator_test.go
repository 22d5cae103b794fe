package sequence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/sequence"
	"github.com/dkirby-ms/tilemud-sub004/internal/game/session"
)

func evaluatorAt(t *testing.T, last int64) (*sequence.Evaluator, *session.Store) {
	t.Helper()
	st := session.NewStore(clock.NewFake(time.Unix(0, 0)), nil)
	require.NoError(t, st.CreateOrUpdate(session.Session{
		ID: "s1", UserID: "u1", CharacterID: "c1", InstanceID: "i1",
		Status: session.StatusActive,
	}))
	require.NoError(t, st.RecordActionSequence("s1", last))
	return sequence.NewEvaluator(st), st
}

func TestEvaluate_Classification(t *testing.T) {
	e, _ := evaluatorAt(t, 5)

	tests := []struct {
		name    string
		seq     int64
		status  sequence.Status
		missing int64
		resync  bool
	}{
		{"expected next", 6, sequence.StatusAccept, 0, false},
		{"replay of last", 5, sequence.StatusDuplicate, 0, false},
		{"older", 4, sequence.StatusOutOfOrder, 0, false},
		{"gap of one", 7, sequence.StatusGap, 1, true},
		{"gap of many", 11, sequence.StatusGap, 5, true},
		{"ancient", 0, sequence.StatusOutOfOrder, 0, false},
		{"negative", -1, sequence.StatusInvalid, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Evaluate("s1", tt.seq)
			assert.Equal(t, tt.status, res.Status)
			assert.Equal(t, tt.missing, res.MissingCount)
			assert.Equal(t, tt.resync, res.RequiresResync)
		})
	}
}

func TestEvaluate_MissingSession(t *testing.T) {
	e, _ := evaluatorAt(t, 0)
	res := e.Evaluate("unknown", 1)
	assert.Equal(t, sequence.StatusMissingSession, res.Status)
	assert.True(t, res.RequiresResync)
}

func TestEvaluate_DoesNotMutate(t *testing.T) {
	e, st := evaluatorAt(t, 5)
	_ = e.Evaluate("s1", 6)
	_ = e.Evaluate("s1", 100)

	last, _ := st.LastSequence("s1")
	assert.Equal(t, int64(5), last)
}

func TestAcknowledge_AdvancesAndNeverRegresses(t *testing.T) {
	e, st := evaluatorAt(t, 5)

	require.NoError(t, e.Acknowledge("s1", 6))
	last, _ := st.LastSequence("s1")
	assert.Equal(t, int64(6), last)

	require.NoError(t, e.Acknowledge("s1", 2))
	last, _ = st.LastSequence("s1")
	assert.Equal(t, int64(6), last)

	assert.Error(t, e.Acknowledge("s1", -1))
}

func TestProperty_AcceptThenAcknowledgeIsSequential(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		st := session.NewStore(clock.NewFake(time.Unix(0, 0)), nil)
		if err := st.CreateOrUpdate(session.Session{
			ID: "s1", UserID: "u1", CharacterID: "c1", InstanceID: "i1",
			Status: session.StatusActive,
		}); err != nil {
			t.Fatal(err)
		}
		e := sequence.NewEvaluator(st)
		n := rapid.IntRange(1, 50).Draw(t, "intents")
		for i := 1; i <= n; i++ {
			res := e.Evaluate("s1", int64(i))
			if res.Status != sequence.StatusAccept {
				t.Fatalf("intent %d classified %s, want accept", i, res.Status)
			}
			if err := e.Acknowledge("s1", int64(i)); err != nil {
				t.Fatal(err)
			}
		}
	})
}
