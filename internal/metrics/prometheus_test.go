package metrics_test

import (
	"testing"
	"time"

	"github.com/koyon-nft/internal/domain"
	"github.com/koyon-nft/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
)

// counterValue sums every series of a counter family on the registry
func counterValue(registry *prometheus.Registry, name string) float64 {
	families, err := registry.Gather()
	if err != nil {
		return -1
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestManager(t *testing.T) {
	Convey("Given a manager on a private registry", t, func() {
		registry := prometheus.NewRegistry()
		m := metrics.NewManager(metrics.WithRegistry(registry), metrics.WithNamespace("test"))

		Convey("ObserveRun counts runs and users", func() {
			m.ObserveRun(domain.DayFirst, domain.RunStatusCompleted, 3, 1, 20*time.Millisecond)
			m.ObserveRun(domain.DayFirst, domain.RunStatusFailed, 0, 0, time.Millisecond)

			So(counterValue(registry, "test_game_scoring_runs_total"), ShouldEqual, 2)
			So(counterValue(registry, "test_game_scoring_users_updated_total"), ShouldEqual, 3)
			So(counterValue(registry, "test_game_scoring_users_already_current_total"), ShouldEqual, 1)
		})

		Convey("Submission counters move independently", func() {
			m.RecordGuess(domain.DaySecond)
			m.RecordBet("2")
			m.RecordBet("2")
			m.RecordMint("korea")
			m.RecordIngest("guess", "accepted")

			So(counterValue(registry, "test_game_guesses_recorded_total"), ShouldEqual, 1)
			So(counterValue(registry, "test_game_bets_recorded_total"), ShouldEqual, 2)
			So(counterValue(registry, "test_game_mints_recorded_total"), ShouldEqual, 1)
			So(counterValue(registry, "test_game_ingest_messages_total"), ShouldEqual, 1)
		})

		Convey("The registry is the one that was passed in", func() {
			So(m.Registry(), ShouldEqual, registry)
		})
	})
}
