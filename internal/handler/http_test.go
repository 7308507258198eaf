package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/koyon-nft/internal/chain"
	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/handler"
	"github.com/koyon-nft/internal/memstore"
	"github.com/koyon-nft/internal/metrics"
	"github.com/koyon-nft/internal/scoring"
	"github.com/koyon-nft/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	. "github.com/smartystreets/goconvey/convey"
)

const alice = "0x1111111111111111111111111111111111111111"

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newRouter(checks map[string]handler.Pinger) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	cfg.Scoring.First.Options = []string{"home", "away", "draw"}

	store := memstore.New()
	engine := scoring.NewEngine(store, store, store, scoring.NewRules(&cfg.Scoring))
	svc := service.NewGameService(store, engine, chain.NewDryRun(cfg.Chain.Categories(), logger), cfg, logger)
	m := metrics.NewManager(metrics.WithRegistry(prometheus.NewRegistry()))

	return handler.NewHandler(svc, nil, m, checks, logger).Router()
}

func do(router http.Handler, method, path, body string) (int, envelope) {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec.Code, env
}

func TestHealth(t *testing.T) {
	Convey("Given a router with a readiness check", t, func() {
		healthy := true
		router := newRouter(map[string]handler.Pinger{
			"postgres": pingerFunc(func(context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("connection refused")
			}),
		})

		Convey("/health always succeeds", func() {
			code, env := do(router, http.MethodGet, "/health", "")
			So(code, ShouldEqual, http.StatusOK)
			So(env.Success, ShouldBeTrue)
		})

		Convey("/ready reflects the dependency", func() {
			code, _ := do(router, http.MethodGet, "/ready", "")
			So(code, ShouldEqual, http.StatusOK)

			healthy = false
			code, env := do(router, http.MethodGet, "/ready", "")
			So(code, ShouldEqual, http.StatusServiceUnavailable)
			So(env.Success, ShouldBeFalse)
			So(string(env.Data), ShouldContainSubstring, "unavailable")
		})
	})
}

func TestGuessAndScore(t *testing.T) {
	Convey("Given a fresh router", t, func() {
		router := newRouter(nil)

		Convey("A guess is accepted once", func() {
			body := `{"address":"` + alice + `","day":"first","predictedOutcome":["HOME"]}`
			code, env := do(router, http.MethodPost, "/guess", body)
			So(code, ShouldEqual, http.StatusOK)
			So(env.Success, ShouldBeTrue)

			code, env = do(router, http.MethodPost, "/guess", body)
			So(code, ShouldEqual, http.StatusConflict)
			So(env.Error, ShouldContainSubstring, "already submitted")
		})

		Convey("Bad guesses are 400", func() {
			code, _ := do(router, http.MethodPost, "/guess", `{"address":`)
			So(code, ShouldEqual, http.StatusBadRequest)

			code, env := do(router, http.MethodPost, "/guess", `{"address":"`+alice+`","day":"third","predictedOutcome":["home"]}`)
			So(code, ShouldEqual, http.StatusBadRequest)
			So(env.Error, ShouldContainSubstring, "unknown day")

			code, _ = do(router, http.MethodPost, "/guess", `{"address":"alice","day":1,"predictedOutcome":["home"]}`)
			So(code, ShouldEqual, http.StatusBadRequest)

			code, env = do(router, http.MethodPost, "/guess", `{"address":"`+alice+`","day":1}`)
			So(code, ShouldEqual, http.StatusBadRequest)
			So(env.Error, ShouldContainSubstring, "PredictedOutcome")
		})

		Convey("Scoring a day credits the guessers", func() {
			code, _ := do(router, http.MethodPost, "/guess", `{"address":"`+alice+`","day":1,"predictedOutcome":["away"]}`)
			So(code, ShouldEqual, http.StatusOK)

			code, env := do(router, http.MethodPost, "/scores/first", `{"result":["away"]}`)
			So(code, ShouldEqual, http.StatusOK)
			var summary struct {
				RunVersion   int64 `json:"run_version"`
				UsersUpdated int   `json:"users_updated"`
			}
			So(json.Unmarshal(env.Data, &summary), ShouldBeNil)
			So(summary.RunVersion, ShouldEqual, 1)
			So(summary.UsersUpdated, ShouldEqual, 1)

			code, env = do(router, http.MethodPost, "/myPoints", `{"address":"`+alice+`"}`)
			So(code, ShouldEqual, http.StatusOK)
			var points struct {
				TotalPoints int64 `json:"total_points"`
				Rank        int64 `json:"rank"`
			}
			So(json.Unmarshal(env.Data, &points), ShouldBeNil)
			So(points.TotalPoints, ShouldEqual, 10)
			So(points.Rank, ShouldEqual, 1)

			code, env = do(router, http.MethodGet, "/scores/first/runs", "")
			So(code, ShouldEqual, http.StatusOK)
			So(string(env.Data), ShouldContainSubstring, `"status":"completed"`)

			code, env = do(router, http.MethodGet, "/leaderboard?limit=5", "")
			So(code, ShouldEqual, http.StatusOK)
			So(string(env.Data), ShouldContainSubstring, alice)
		})

		Convey("A result outside the day's options is 400", func() {
			code, env := do(router, http.MethodPost, "/scores/first", `{"result":["korea"]}`)
			So(code, ShouldEqual, http.StatusBadRequest)
			So(env.Error, ShouldContainSubstring, "not comparable")
		})

		Convey("An unknown day in the path is 400", func() {
			code, _ := do(router, http.MethodPost, "/scores/third", `{"result":["home"]}`)
			So(code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("An unknown player is 404", func() {
			code, env := do(router, http.MethodPost, "/myPoints", `{"address":"`+alice+`"}`)
			So(code, ShouldEqual, http.StatusNotFound)
			So(env.Success, ShouldBeFalse)
		})

		Convey("A non-numeric leaderboard limit is 400", func() {
			code, _ := do(router, http.MethodGet, "/leaderboard?limit=ten", "")
			So(code, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestMintAndBet(t *testing.T) {
	Convey("Given a fresh router", t, func() {
		router := newRouter(nil)

		Convey("Minting succeeds once per address", func() {
			code, env := do(router, http.MethodPost, "/mint", `{"address":"`+alice+`","category":"korea"}`)
			So(code, ShouldEqual, http.StatusOK)
			So(string(env.Data), ShouldContainSubstring, `"txHash":"0x`)

			code, _ = do(router, http.MethodPost, "/mint", `{"address":"`+alice+`","category":"korea"}`)
			So(code, ShouldEqual, http.StatusConflict)

			code, env = do(router, http.MethodPost, "/isMinted", `{"address":"`+alice+`"}`)
			So(code, ShouldEqual, http.StatusOK)
			So(string(env.Data), ShouldEqual, `{"minted":true}`)

			code, env = do(router, http.MethodGet, "/counts", "")
			So(code, ShouldEqual, http.StatusOK)
			So(string(env.Data), ShouldEqual, `{"korea":1,"yonsei":0}`)

			code, env = do(router, http.MethodPost, "/myMeta", `{"address":"`+alice+`"}`)
			So(code, ShouldEqual, http.StatusOK)
			So(string(env.Data), ShouldContainSubstring, "KOYON KOREA")
		})

		Convey("An unknown category is 400", func() {
			code, _ := do(router, http.MethodPost, "/mint", `{"address":"`+alice+`","category":"harvard"}`)
			So(code, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Bets are counted per item", func() {
			code, _ := do(router, http.MethodPost, "/bet", `{"address":"`+alice+`","itemCode":"4"}`)
			So(code, ShouldEqual, http.StatusOK)

			code, _ = do(router, http.MethodPost, "/bet", `{"address":"`+alice+`","itemCode":"7"}`)
			So(code, ShouldEqual, http.StatusBadRequest)

			code, env := do(router, http.MethodGet, "/bettings", "")
			So(code, ShouldEqual, http.StatusOK)
			So(string(env.Data), ShouldContainSubstring, `"4":1`)
		})
	})
}

func TestMetricsEndpoint(t *testing.T) {
	Convey("Given a router that has served a request", t, func() {
		router := newRouter(nil)
		do(router, http.MethodGet, "/health", "")

		Convey("Then /metrics exposes the request counter", func() {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			So(rec.Code, ShouldEqual, http.StatusOK)
			So(strings.Contains(rec.Body.String(), `koyon_game_http_requests_total{method="GET",route="/health",status="200"} 1`), ShouldBeTrue)
		})
	})
}
