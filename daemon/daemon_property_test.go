package daemon

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/codemode/daemon/kernel"
)

// TestQuotaInvariantProperty checks spec §8's central invariant: after any
// sequence of start/stop operations, a user's running-daemon count never
// exceeds MaxDaemonsPerUser.
func TestQuotaInvariantProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("running count for a user never exceeds MaxDaemonsPerUser", prop.ForAll(
		func(attempts int) bool {
			conn := newFakeConn()
			sup, baseURL, cleanup := newTestSupervisor(t, conn)
			defer cleanup()

			var started []string
			for i := 0; i < attempts; i++ {
				id, err := sup.StartDaemon(context.Background(), StartRequest{
					BaseURL: baseURL, UserID: "u1", MaxRuntime: 300 * time.Millisecond,
				})
				if err == nil {
					started = append(started, id)
				}
				if sup.userRunningCount("u1") > MaxDaemonsPerUser {
					return false
				}
			}

			// Exactly min(attempts, MaxDaemonsPerUser) starts should have
			// succeeded: the quota gate neither over- nor under-admits.
			want := attempts
			if want > MaxDaemonsPerUser {
				want = MaxDaemonsPerUser
			}
			if len(started) != want {
				return false
			}

			for _, id := range started {
				sup.StopDaemon(context.Background(), id)
			}
			return sup.userRunningCount("u1") == 0
		},
		gen.IntRange(0, MaxDaemonsPerUser+3),
	))

	properties.TestingRun(t)
}

// TestStopDaemonIdempotentProperty checks that once a daemon has been
// stopped and reaped from the registry, any number of further stop calls
// against the same ID keep returning false rather than panicking or
// resurrecting the entry.
func TestStopDaemonIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated stops after cleanup are all no-ops", prop.ForAll(
		func(extraStops int) bool {
			conn := newFakeConn()
			sup, baseURL, cleanup := newTestSupervisor(t, conn)
			defer cleanup()

			daemonID, err := sup.StartDaemon(context.Background(), StartRequest{
				BaseURL: baseURL, UserID: "u1", MaxRuntime: 300 * time.Millisecond,
			})
			if err != nil {
				return false
			}

			first := sup.StopDaemon(context.Background(), daemonID)
			if !first {
				return false
			}
			for i := 0; i < extraStops; i++ {
				if sup.StopDaemon(context.Background(), daemonID) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}

// TestListDaemonsSubsetProperty checks list_daemons(user_id=u) returns
// exactly the subset of list_daemons() with user_id==u.
func TestListDaemonsSubsetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("scoping by user_id matches filtering the unscoped list", prop.ForAll(
		func(userCount, perUser int) bool {
			sup := New(kernel.NewClient(), nil, nil, nil)
			for u := 0; u < userCount; u++ {
				userID := fmt.Sprintf("user-%d", u)
				for n := 0; n < perUser; n++ {
					id := fmt.Sprintf("user-%d-daemon-%d", u, n)
					sup.daemons[id] = &daemonEntry{
						info: Info{DaemonID: id, UserID: userID, Status: StatusRunning},
						done: make(chan struct{}),
					}
				}
			}

			all := sup.ListDaemons("", "")
			for u := 0; u < userCount; u++ {
				userID := fmt.Sprintf("user-%d", u)
				scoped := sup.ListDaemons(userID, "")
				if len(scoped) != perUser {
					return false
				}
				var filtered []Info
				for _, info := range all {
					if info.UserID == userID {
						filtered = append(filtered, info)
					}
				}
				if len(filtered) != len(scoped) {
					return false
				}
				for _, info := range scoped {
					if info.UserID != userID {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(0, 4),
		gen.IntRange(0, 3),
	))

	properties.TestingRun(t)
}

// TestMsgIDFilterProperty checks spec §8's invariant that a frame whose
// parent_header.msg_id does not match the run's execute request never
// produces an event, regardless of how many such frames arrive or what kind
// they claim to be. Noise msg_ids are built from non-hex characters so they
// can never collide with a real ids.NewMsgID() value.
func TestMsgIDFilterProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	kinds := []string{"stream", "error", "status"}

	properties.Property("frames for a foreign msg_id never produce output or completion", prop.ForAll(
		func(noiseCount int) bool {
			var frames []map[string]any
			for i := 0; i < noiseCount; i++ {
				kind := kinds[i%len(kinds)]
				noiseID := fmt.Sprintf("not-hex-noise-%d", i)
				switch kind {
				case "stream":
					frames = append(frames, frame(noiseID, "stream", map[string]any{"name": "stdout", "text": "ignored\n"}))
				case "error":
					frames = append(frames, frame(noiseID, "error", map[string]any{"traceback": []string{"ignored"}}))
				case "status":
					frames = append(frames, frame(noiseID, "status", map[string]any{"execution_state": "idle"}))
				}
			}

			conn := newFakeConn(frames...)
			sup, baseURL, cleanup := newTestSupervisor(t, conn)
			defer cleanup()

			var mu sync.Mutex
			var outputs int
			var completed bool
			sup.sink = &recordingSink{
				onOutput: func(stream, content string) {
					mu.Lock()
					outputs++
					mu.Unlock()
				},
				onStatus: func(s Status, reason string) {
					if s == StatusCompleted || s == StatusError {
						mu.Lock()
						completed = true
						mu.Unlock()
					}
				},
			}

			daemonID, err := sup.StartDaemon(context.Background(), StartRequest{
				BaseURL: baseURL, UserID: "u1", MaxRuntime: 300 * time.Millisecond,
			})
			if err != nil {
				return false
			}

			// Give the runner time to drain every noise frame; none of them
			// match the real msg_id, so the run must still be alive and
			// silent.
			time.Sleep(80 * time.Millisecond)

			mu.Lock()
			ok := outputs == 0 && !completed
			mu.Unlock()

			sup.StopDaemon(context.Background(), daemonID)
			return ok
		},
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}
