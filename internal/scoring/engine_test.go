package scoring_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/domain"
	"github.com/koyon-nft/internal/memstore"
	"github.com/koyon-nft/internal/scoring"
	. "github.com/smartystreets/goconvey/convey"
)

func testScoringConfig() *config.ScoringConfig {
	return &config.ScoringConfig{
		First: config.DayConfig{
			Games:   1,
			Options: []string{"home", "away", "draw"},
			Table:   config.ScoringTable{Exact: 10, Miss: 0},
		},
		Second: config.DayConfig{
			Games:   2,
			Options: []string{"korea", "yonsei"},
			Table:   config.ScoringTable{Exact: 20, PerPick: 5, Miss: 0},
		},
	}
}

func newEngine(store *memstore.Store, opts ...scoring.Option) *scoring.Engine {
	return scoring.NewEngine(store, store, store, scoring.NewRules(testScoringConfig()), opts...)
}

func guess(store *memstore.Store, address string, day domain.Day, picks ...string) {
	err := store.RecordGuess(context.Background(), domain.Guess{
		UserAddress:      address,
		Day:              day,
		PredictedOutcome: domain.Outcome(picks),
		SubmittedAt:      time.Now(),
	})
	So(err, ShouldBeNil)
}

func balance(store *memstore.Store, address string) *domain.PointsBalance {
	b, err := store.GetBalance(context.Background(), address)
	So(err, ShouldBeNil)
	return b
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []domain.RunStatus
}

func (o *recordingObserver) ObserveRun(_ domain.Day, status domain.RunStatus, _, _ int, _ time.Duration) {
	o.mu.Lock()
	o.statuses = append(o.statuses, status)
	o.mu.Unlock()
}

// gatedGuesses blocks the first page read until released
type gatedGuesses struct {
	*memstore.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedGuesses) GuessesFor(ctx context.Context, day domain.Day, after string, limit int) ([]domain.Guess, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Store.GuessesFor(ctx, day, after, limit)
}

// failingLedger rejects writes for one address
type failingLedger struct {
	*memstore.Store
	failFor string
}

func (f *failingLedger) ApplyDelta(ctx context.Context, address string, day domain.Day, version, points int64) (*domain.PointsBalance, error) {
	if address == f.failFor {
		return nil, errors.New("connection reset")
	}
	return f.Store.ApplyDelta(ctx, address, day, version, points)
}

func TestScoreDay(t *testing.T) {
	Convey("Given a scoring engine over an in-memory store", t, func() {
		ctx := context.Background()
		store := memstore.New()
		engine := newEngine(store)

		Convey("When A guessed home and the result is home", func() {
			guess(store, "A", domain.DayFirst, "home")

			summary, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})

			Convey("Then A gains 10 points at version 1", func() {
				So(err, ShouldBeNil)
				So(summary.RunVersion, ShouldEqual, 1)
				So(summary.UsersUpdated, ShouldEqual, 1)
				So(summary.AlreadyScored, ShouldBeFalse)

				b := balance(store, "A")
				So(b.TotalPoints, ShouldEqual, 10)
				So(b.LastAppliedVersion(domain.DayFirst), ShouldEqual, 1)
			})

			Convey("And scoring the same result again is a no-op", func() {
				again, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})
				So(err, ShouldBeNil)
				So(again.AlreadyScored, ShouldBeTrue)
				So(again.UsersUpdated, ShouldEqual, 0)
				So(again.RunVersion, ShouldEqual, 1)
				So(balance(store, "A").TotalPoints, ShouldEqual, 10)

				runs, err := store.ListRuns(ctx, domain.DayFirst)
				So(err, ShouldBeNil)
				So(runs, ShouldHaveLength, 1)
			})

			Convey("And the result is normalized before comparison", func() {
				again, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{" HOME "})
				So(err, ShouldBeNil)
				So(again.AlreadyScored, ShouldBeTrue)
			})
		})

		Convey("When A guessed home and B guessed away and the result is home", func() {
			guess(store, "A", domain.DayFirst, "home")
			guess(store, "B", domain.DayFirst, "away")

			summary, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})

			Convey("Then A gains 10 and B gains 0", func() {
				So(err, ShouldBeNil)
				So(summary.UsersUpdated, ShouldEqual, 2)
				So(balance(store, "A").TotalPoints, ShouldEqual, 10)
				So(balance(store, "B").TotalPoints, ShouldEqual, 0)
				So(summary.Balances, ShouldHaveLength, 2)
			})
		})

		Convey("When the result is corrected after scoring", func() {
			guess(store, "A", domain.DayFirst, "home")
			guess(store, "B", domain.DayFirst, "away")

			_, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})
			So(err, ShouldBeNil)
			summary, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"away"})
			So(err, ShouldBeNil)

			fresh := memstore.New()
			guess(fresh, "A", domain.DayFirst, "home")
			guess(fresh, "B", domain.DayFirst, "away")
			_, err = newEngine(fresh).ScoreDay(ctx, domain.DayFirst, domain.Outcome{"away"})
			So(err, ShouldBeNil)

			Convey("Then balances equal scoring the corrected result alone", func() {
				So(summary.RunVersion, ShouldEqual, 2)
				for _, user := range []string{"A", "B"} {
					So(balance(store, user).TotalPoints, ShouldEqual, balance(fresh, user).TotalPoints)
					So(balance(store, user).Days[domain.DayFirst].Points, ShouldEqual,
						balance(fresh, user).Days[domain.DayFirst].Points)
				}
				So(balance(store, "A").TotalPoints, ShouldEqual, 0)
				So(balance(store, "B").TotalPoints, ShouldEqual, 10)
				So(balance(store, "B").LastAppliedVersion(domain.DayFirst), ShouldEqual, 2)
			})

			Convey("And switching back restores the original balances", func() {
				_, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})
				So(err, ShouldBeNil)
				So(balance(store, "A").TotalPoints, ShouldEqual, 10)
				So(balance(store, "B").TotalPoints, ShouldEqual, 0)
				So(balance(store, "A").LastAppliedVersion(domain.DayFirst), ShouldEqual, 3)
			})
		})

		Convey("When a user has guesses for both days", func() {
			guess(store, "A", domain.DayFirst, "home")
			guess(store, "A", domain.DaySecond, "korea", "yonsei")

			_, err := engine.ScoreDay(ctx, domain.DaySecond, domain.Outcome{"korea", "yonsei"})
			So(err, ShouldBeNil)
			So(balance(store, "A").TotalPoints, ShouldEqual, 20)

			_, err = engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})
			So(err, ShouldBeNil)
			_, err = engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"draw"})
			So(err, ShouldBeNil)

			Convey("Then re-scoring the first day leaves the second day's contribution alone", func() {
				b := balance(store, "A")
				So(b.Days[domain.DaySecond].Points, ShouldEqual, 20)
				So(b.LastAppliedVersion(domain.DaySecond), ShouldEqual, 1)
				So(b.Days[domain.DayFirst].Points, ShouldEqual, 0)
				So(b.TotalPoints, ShouldEqual, 20)
			})
		})

		Convey("When a user has no guess for the scored day", func() {
			guess(store, "A", domain.DayFirst, "home")
			guess(store, "C", domain.DaySecond, "korea", "korea")

			_, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})
			So(err, ShouldBeNil)

			Convey("Then that user is untouched", func() {
				_, err := store.GetBalance(ctx, "C")
				So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When the second day awards partial credit", func() {
			guess(store, "A", domain.DaySecond, "korea", "yonsei")
			guess(store, "B", domain.DaySecond, "korea", "korea")
			guess(store, "C", domain.DaySecond, "yonsei", "korea")

			_, err := engine.ScoreDay(ctx, domain.DaySecond, domain.Outcome{"korea", "yonsei"})
			So(err, ShouldBeNil)

			Convey("Then exact earns the exact bonus and each matched pick earns per-pick points", func() {
				So(balance(store, "A").TotalPoints, ShouldEqual, 20)
				So(balance(store, "B").TotalPoints, ShouldEqual, 5)
				So(balance(store, "C").TotalPoints, ShouldEqual, 0)
			})
		})

		Convey("When the day is not recognized", func() {
			_, err := engine.ScoreDay(ctx, domain.Day(3), domain.Outcome{"home"})

			Convey("Then it fails with ErrUnknownDay", func() {
				So(errors.Is(err, domain.ErrUnknownDay), ShouldBeTrue)
			})
		})

		Convey("When the result is outside the day's domain", func() {
			guess(store, "A", domain.DayFirst, "home")

			_, badPick := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"sideline"})
			_, badCount := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home", "away"})

			Convey("Then it fails with ErrIncomparableResult and records no run", func() {
				So(errors.Is(badPick, domain.ErrIncomparableResult), ShouldBeTrue)
				So(errors.Is(badCount, domain.ErrIncomparableResult), ShouldBeTrue)
				_, err := store.Latest(ctx, domain.DayFirst)
				So(errors.Is(err, domain.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When a user is already at a newer version", func() {
			guess(store, "A", domain.DayFirst, "home")
			guess(store, "B", domain.DayFirst, "home")
			_, err := store.ApplyDelta(ctx, "A", domain.DayFirst, 5, 3)
			So(err, ShouldBeNil)

			summary, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})

			Convey("Then the conflict is counted as already current, not surfaced", func() {
				So(err, ShouldBeNil)
				So(summary.UsersUpdated, ShouldEqual, 1)
				So(summary.AlreadyCurrent, ShouldEqual, 1)
				So(balance(store, "A").TotalPoints, ShouldEqual, 3)
				So(balance(store, "B").TotalPoints, ShouldEqual, 10)
			})
		})

		Convey("When guesses span several pages", func() {
			users := []string{"u1", "u2", "u3", "u4", "u5"}
			for _, u := range users {
				guess(store, u, domain.DayFirst, "draw")
			}
			observer := &recordingObserver{}
			paged := newEngine(store,
				scoring.WithPageSize(2),
				scoring.WithConcurrency(3),
				scoring.WithObserver(observer),
			)

			summary, err := paged.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"draw"})

			Convey("Then every user is scored exactly once", func() {
				So(err, ShouldBeNil)
				So(summary.UsersUpdated, ShouldEqual, len(users))
				for _, u := range users {
					So(balance(store, u).TotalPoints, ShouldEqual, 10)
				}
				So(observer.statuses, ShouldResemble, []domain.RunStatus{domain.RunStatusCompleted})
			})
		})
	})
}

func TestScoreDayConcurrency(t *testing.T) {
	Convey("Given a run that is still reading guesses", t, func() {
		ctx := context.Background()
		store := memstore.New()
		guess(store, "A", domain.DayFirst, "home")

		gated := &gatedGuesses{
			Store:   store,
			entered: make(chan struct{}),
			release: make(chan struct{}),
		}
		engine := scoring.NewEngine(gated, store, store, scoring.NewRules(testScoringConfig()))

		type outcome struct {
			summary *domain.RunSummary
			err     error
		}
		first := make(chan outcome, 1)
		go func() {
			s, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})
			first <- outcome{s, err}
		}()
		<-gated.entered

		Convey("When a second invocation for the same day arrives", func() {
			_, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"away"})
			close(gated.release)
			res := <-first

			Convey("Then it fails with ErrConcurrentRunConflict and the first run completes", func() {
				So(errors.Is(err, domain.ErrConcurrentRunConflict), ShouldBeTrue)
				So(res.err, ShouldBeNil)
				So(res.summary.RunVersion, ShouldEqual, 1)
				So(balance(store, "A").TotalPoints, ShouldEqual, 10)
			})
		})

		Convey("When the other day is scored meanwhile", func() {
			guess(store, "B", domain.DaySecond, "korea", "korea")
			summary, err := engine.ScoreDay(ctx, domain.DaySecond, domain.Outcome{"korea", "korea"})
			close(gated.release)
			res := <-first

			Convey("Then both days complete independently", func() {
				So(err, ShouldBeNil)
				So(summary.UsersUpdated, ShouldEqual, 1)
				So(res.err, ShouldBeNil)
			})
		})
	})

	Convey("Given a running run left behind by another process", t, func() {
		ctx := context.Background()
		now := time.Date(2026, 9, 25, 18, 0, 0, 0, time.UTC)
		store := memstore.New(memstore.WithClock(func() time.Time { return now }))
		guess(store, "A", domain.DayFirst, "home")

		_, err := store.Begin(ctx, domain.DayFirst, domain.Outcome{"away"}, time.Minute)
		So(err, ShouldBeNil)
		engine := newEngine(store, scoring.WithStaleRunAfter(15*time.Minute))

		Convey("When it is still fresh", func() {
			_, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})

			Convey("Then scoring fails with ErrConcurrentRunConflict", func() {
				So(errors.Is(err, domain.ErrConcurrentRunConflict), ShouldBeTrue)
			})
		})

		Convey("When it is older than the stale threshold", func() {
			now = now.Add(20 * time.Minute)
			summary, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})

			Convey("Then it is abandoned and a fresh version reconciles", func() {
				So(err, ShouldBeNil)
				So(summary.RunVersion, ShouldEqual, 2)
				So(balance(store, "A").TotalPoints, ShouldEqual, 10)

				runs, err := store.ListRuns(ctx, domain.DayFirst)
				So(err, ShouldBeNil)
				So(runs, ShouldHaveLength, 2)
				So(runs[0].Status, ShouldEqual, domain.RunStatusCompleted)
				So(runs[1].Status, ShouldEqual, domain.RunStatusAbandoned)
			})
		})
	})
}

func TestScoreDayFailure(t *testing.T) {
	Convey("Given a ledger that fails for one user", t, func() {
		ctx := context.Background()
		store := memstore.New()
		guess(store, "A", domain.DayFirst, "home")
		guess(store, "B", domain.DayFirst, "home")

		observer := &recordingObserver{}
		ledger := &failingLedger{Store: store, failFor: "B"}
		engine := scoring.NewEngine(store, ledger, store, scoring.NewRules(testScoringConfig()),
			scoring.WithObserver(observer))

		_, err := engine.ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})

		Convey("Then the error surfaces and the run is marked failed", func() {
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "connection reset")

			latest, lerr := store.Latest(ctx, domain.DayFirst)
			So(lerr, ShouldBeNil)
			So(latest.Status, ShouldEqual, domain.RunStatusFailed)
			So(observer.statuses, ShouldResemble, []domain.RunStatus{domain.RunStatusFailed})
		})

		Convey("When the same result is scored again once the ledger recovers", func() {
			summary, err := newEngine(store).ScoreDay(ctx, domain.DayFirst, domain.Outcome{"home"})

			Convey("Then a new version completes without double counting", func() {
				So(err, ShouldBeNil)
				So(summary.AlreadyScored, ShouldBeFalse)
				So(summary.RunVersion, ShouldEqual, 2)
				So(balance(store, "A").TotalPoints, ShouldEqual, 10)
				So(balance(store, "B").TotalPoints, ShouldEqual, 10)
			})
		})
	})
}
