package kafka

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/koyon-nft/internal/config"
	"github.com/koyon-nft/internal/domain"
	. "github.com/smartystreets/goconvey/convey"
)

type stubSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked int
}

func (s *stubSession) Context() context.Context { return s.ctx }

func (s *stubSession) MarkMessage(*sarama.ConsumerMessage, string) { s.marked++ }

type stubClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]domain.Submission
}

func (r *batchRecorder) SubmitBatch(_ context.Context, batch []domain.Submission) domain.SubmissionResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]domain.Submission(nil), batch...))
	return domain.SubmissionResult{Accepted: len(batch)}
}

type ingestCounts map[string]int

func (c ingestCounts) RecordIngest(kind, outcome string) { c[kind+"/"+outcome]++ }

func TestConsumeClaim(t *testing.T) {
	Convey("Given a consumer handler with a batch size of two", t, func() {
		recorder := &batchRecorder{}
		counts := ingestCounts{}
		consumer := &Consumer{
			config:   &config.KafkaConfig{BatchSize: 2, BatchTimeout: time.Hour},
			handler:  recorder,
			recorder: counts,
			logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		}
		h := &consumerGroupHandler{consumer: consumer}

		session := &stubSession{ctx: context.Background()}
		claim := &stubClaim{messages: make(chan *sarama.ConsumerMessage, 8)}
		for _, v := range []string{
			`{"type":"guess","address":"0xabc","day":"first","predictedOutcome":["korea"]}`,
			`not json`,
			`{"type":"bet","address":"0xabc","itemCode":"2"}`,
			`{"type":"bet","address":"0xabc"}`,
			`{"type":"guess","address":"0xdef","day":2,"predictedOutcome":["draw"]}`,
		} {
			claim.messages <- &sarama.ConsumerMessage{Value: []byte(v)}
		}
		close(claim.messages)

		err := h.ConsumeClaim(session, claim)

		Convey("Then valid submissions are batched and every message is marked", func() {
			So(err, ShouldBeNil)
			So(session.marked, ShouldEqual, 5)
			So(recorder.batches, ShouldHaveLength, 2)
			So(recorder.batches[0], ShouldHaveLength, 2)
			So(recorder.batches[0][1].ItemCode, ShouldEqual, "2")
			So(recorder.batches[1][0].Day, ShouldEqual, domain.DaySecond)
		})

		Convey("Then malformed messages are counted", func() {
			So(counts["unknown/malformed"], ShouldEqual, 1)
			So(counts["bet/malformed"], ShouldEqual, 1)
			So(counts["batch/accepted"], ShouldEqual, 3)
		})
	})
}
