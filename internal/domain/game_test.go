package domain_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/koyon-nft/internal/domain"
	. "github.com/smartystreets/goconvey/convey"
)

func TestParseDay(t *testing.T) {
	Convey("Given day selectors", t, func() {
		Convey("Names and numbers resolve to days", func() {
			for input, want := range map[string]domain.Day{
				"first":   domain.DayFirst,
				"FIRST":   domain.DayFirst,
				" 1 ":     domain.DayFirst,
				"second":  domain.DaySecond,
				"2":       domain.DaySecond,
				"Second ": domain.DaySecond,
			} {
				day, err := domain.ParseDay(input)
				So(err, ShouldBeNil)
				So(day, ShouldEqual, want)
			}
		})

		Convey("Anything else is ErrUnknownDay", func() {
			for _, input := range []string{"", "third", "0", "3"} {
				_, err := domain.ParseDay(input)
				So(errors.Is(err, domain.ErrUnknownDay), ShouldBeTrue)
			}
		})
	})
}

func TestSubmissionJSON(t *testing.T) {
	Convey("Given a guess body", t, func() {
		Convey("When the outcome is a bare string and the day a name", func() {
			var sub domain.GuessSubmission
			err := json.Unmarshal([]byte(`{"address":"0xabc","day":"first","predictedOutcome":" Home "}`), &sub)

			Convey("Then it decodes to a normalized single-pick outcome", func() {
				So(err, ShouldBeNil)
				So(sub.Day, ShouldEqual, domain.DayFirst)
				So(sub.PredictedOutcome, ShouldResemble, domain.Outcome{"home"})
			})
		})

		Convey("When the outcome is a list and the day a number", func() {
			var sub domain.GuessSubmission
			err := json.Unmarshal([]byte(`{"address":"0xabc","day":2,"predictedOutcome":["Korea","yonsei"]}`), &sub)

			Convey("Then both decode", func() {
				So(err, ShouldBeNil)
				So(sub.Day, ShouldEqual, domain.DaySecond)
				So(sub.PredictedOutcome, ShouldResemble, domain.Outcome{"korea", "yonsei"})
			})
		})

		Convey("When the day is unknown", func() {
			var sub domain.GuessSubmission
			err := json.Unmarshal([]byte(`{"address":"0xabc","day":"third","predictedOutcome":"home"}`), &sub)

			Convey("Then decoding fails with ErrUnknownDay", func() {
				So(errors.Is(err, domain.ErrUnknownDay), ShouldBeTrue)
			})
		})

		Convey("When the day is a fractional number", func() {
			var sub domain.GuessSubmission
			fractional := json.Unmarshal([]byte(`{"address":"0xabc","day":1.9,"predictedOutcome":"home"}`), &sub)

			var whole domain.GuessSubmission
			integral := json.Unmarshal([]byte(`{"address":"0xabc","day":2.0,"predictedOutcome":"home"}`), &whole)

			Convey("Then it is rejected instead of truncated", func() {
				So(errors.Is(fractional, domain.ErrUnknownDay), ShouldBeTrue)
				So(integral, ShouldBeNil)
				So(whole.Day, ShouldEqual, domain.DaySecond)
			})
		})
	})

	Convey("Given a balance with per-day points", t, func() {
		b := domain.PointsBalance{
			UserAddress: "0xabc",
			TotalPoints: 15,
			Days: map[domain.Day]domain.DayPoints{
				domain.DayFirst:  {Points: 10, LastAppliedVersion: 2},
				domain.DaySecond: {Points: 5, LastAppliedVersion: 1},
			},
		}

		Convey("Days are keyed by name on the wire", func() {
			data, err := json.Marshal(b)
			So(err, ShouldBeNil)
			So(string(data), ShouldContainSubstring, `"first":{"points":10,"last_applied_version":2}`)

			var back domain.PointsBalance
			So(json.Unmarshal(data, &back), ShouldBeNil)
			So(back.LastAppliedVersion(domain.DayFirst), ShouldEqual, 2)
			So(back.Days[domain.DaySecond].Points, ShouldEqual, 5)
		})

		Convey("A nil balance reports version zero", func() {
			var missing *domain.PointsBalance
			So(missing.LastAppliedVersion(domain.DayFirst), ShouldEqual, 0)
		})
	})
}

func TestOutcome(t *testing.T) {
	Convey("Given outcomes", t, func() {
		result := domain.Outcome{"korea", "yonsei", "korea"}

		So(result.Equal(domain.Outcome{"korea", "yonsei", "korea"}), ShouldBeTrue)
		So(result.Equal(domain.Outcome{"korea", "yonsei"}), ShouldBeFalse)
		So(result.Matches(domain.Outcome{"korea", "korea", "korea"}), ShouldEqual, 2)
		So(result.Matches(domain.Outcome{"korea"}), ShouldEqual, 1)
		So(result.String(), ShouldEqual, "korea,yonsei,korea")
	})
}

func TestNormalizeAddress(t *testing.T) {
	Convey("Given wallet addresses", t, func() {
		Convey("A lowercase address is checksummed", func() {
			addr, err := domain.NormalizeAddress("  0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed ")
			So(err, ShouldBeNil)
			So(addr, ShouldEqual, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
		})

		Convey("Malformed addresses are rejected", func() {
			for _, input := range []string{
				"",
				"5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
				"0x5aaeb6053f3e94c9b9a09f33669435e7ef1bea",
				"0xzzzeb6053f3e94c9b9a09f33669435e7ef1beaed",
			} {
				_, err := domain.NormalizeAddress(input)
				So(errors.Is(err, domain.ErrInvalidAddress), ShouldBeTrue)
			}
		})
	})
}

func TestSubmissionValid(t *testing.T) {
	Convey("Given ingest submissions", t, func() {
		So(domain.Submission{Type: "guess", Address: "0x1", Day: domain.DayFirst, PredictedOutcome: domain.Outcome{"home"}}.Valid(), ShouldBeTrue)
		So(domain.Submission{Type: "guess", Address: "0x1", PredictedOutcome: domain.Outcome{"home"}}.Valid(), ShouldBeFalse)
		So(domain.Submission{Type: "bet", Address: "0x1", ItemCode: "3"}.Valid(), ShouldBeTrue)
		So(domain.Submission{Type: "bet", ItemCode: "3"}.Valid(), ShouldBeFalse)
		So(domain.Submission{Type: "vote", Address: "0x1"}.Valid(), ShouldBeFalse)
	})
}
