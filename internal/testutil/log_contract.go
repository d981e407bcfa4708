package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentloop/core"
	"github.com/hupe1980/agentloop/eventlog"
)

// RunStoreContract exercises the behaviour every eventlog.Store backend must
// share. newStore must return an empty store.
func RunStoreContract(t *testing.T, newStore func(t *testing.T) eventlog.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("sequences start at one and are gap free", func(t *testing.T) {
		store := newStore(t)
		log, err := store.Log(ctx, "c1")
		require.NoError(t, err)

		latest, err := log.LatestSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), latest)

		for i := 1; i <= 5; i++ {
			seq, err := log.Append(ctx, NewEventBuilder().Text(fmt.Sprintf("m%d", i)).Build())
			require.NoError(t, err)
			assert.Equal(t, int64(i), seq)
		}
		seqs, err := log.AppendBatch(ctx,
			NewEventBuilder().Reasoning("r").Text("t").Build(),
			NewEventBuilder().Action("ls", "{}", "call-1").Build(),
		)
		require.NoError(t, err)
		assert.Equal(t, []int64{6, 7}, seqs)

		events, err := core.Collect(ctx, log, 0)
		require.NoError(t, err)
		require.Len(t, events, 7)
		for i := 1; i < len(events); i++ {
			assert.Equal(t, events[i-1].Sequence+1, events[i].Sequence)
		}
		assert.Equal(t, "c1", events[0].ConversationID)
	})

	t.Run("read round trips content", func(t *testing.T) {
		store := newStore(t)
		log, err := store.Log(ctx, "c2")
		require.NoError(t, err)

		written := []core.Event{
			NewEventBuilder().UserText("Hi").Build(),
			NewEventBuilder().Reasoning("Let me think").Text("The answer is 4").Build(),
			NewEventBuilder().Action("calc", `{"x":2}`, "call-9").Build(),
			NewEventBuilder().Observation("calc", "call-9", "4", true).Build(),
			NewEventBuilder().Error(core.ErrorProviderFailure, "boom").Build(),
		}
		for _, ev := range written {
			_, err := log.Append(ctx, ev)
			require.NoError(t, err)
		}

		read, err := core.Collect(ctx, log, 0)
		require.NoError(t, err)
		require.Len(t, read, len(written))
		for i := range written {
			assert.Equal(t, written[i].ID, read[i].ID)
			assert.True(t, core.SamePayload(written[i], read[i]), "event %d differs", i)
		}

		tail, err := core.Collect(ctx, log, 4)
		require.NoError(t, err)
		assert.Len(t, tail, 2)
		assert.Equal(t, int64(4), tail[0].Sequence)
	})

	t.Run("read is bounded by the head at start and restartable", func(t *testing.T) {
		store := newStore(t)
		log, err := store.Log(ctx, "c3")
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := log.Append(ctx, NewEventBuilder().Text("x").Build())
			require.NoError(t, err)
		}

		count := 0
		for _, err := range log.Read(ctx, 1) {
			require.NoError(t, err)
			count++
			if count == 1 {
				_, err := log.Append(ctx, NewEventBuilder().Text("late").Build())
				require.NoError(t, err)
			}
		}
		assert.Equal(t, 3, count)

		again, err := core.Collect(ctx, log, 1)
		require.NoError(t, err)
		assert.Len(t, again, 4)
	})

	t.Run("concurrent readers see ordered prefixes", func(t *testing.T) {
		store := newStore(t)
		log, err := store.Log(ctx, "c4")
		require.NoError(t, err)

		var wg sync.WaitGroup
		done := make(chan struct{})
		for r := 0; r < 3; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					select {
					case <-done:
						return
					default:
					}
					var prev int64
					for ev, err := range log.Read(ctx, 1) {
						if err != nil {
							t.Errorf("read: %v", err)
							return
						}
						if ev.Sequence != prev+1 {
							t.Errorf("gap: %d after %d", ev.Sequence, prev)
							return
						}
						prev = ev.Sequence
					}
				}
			}()
		}
		for i := 0; i < 50; i++ {
			_, err := log.Append(ctx, NewEventBuilder().Text("w").Build())
			require.NoError(t, err)
		}
		close(done)
		wg.Wait()
	})

	t.Run("delete destroys and list enumerates", func(t *testing.T) {
		store := newStore(t)
		for _, id := range []string{"b", "a"} {
			log, err := store.Log(ctx, id)
			require.NoError(t, err)
			_, err = log.Append(ctx, NewEventBuilder().Text(id).Build())
			require.NoError(t, err)
		}
		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)

		require.NoError(t, store.Delete(ctx, "a"))
		ids, err = store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, ids)

		fresh, err := store.Log(ctx, "a")
		require.NoError(t, err)
		latest, err := fresh.LatestSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), latest)
	})
}
