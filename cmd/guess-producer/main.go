package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/koyon-nft/internal/domain"
)

// playerAddress derives a stable fake wallet address for player idx
func playerAddress(idx int) string {
	hash := crypto.Keccak256([]byte(fmt.Sprintf("koyon-player-%d", idx)))
	return common.BytesToAddress(hash[12:]).Hex()
}

func randomOutcome(games int, options []string) domain.Outcome {
	out := make(domain.Outcome, games)
	for i := range out {
		out[i] = options[rand.Intn(len(options))]
	}
	return out
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "game-submissions", "Kafka topic")
	totalPlayers := flag.Int("players", 1000, "Number of distinct players")
	games := flag.Int("games", 1, "Picks per outcome")
	options := flag.String("options", "korea,yonsei,draw", "Allowed pick values (comma-separated)")
	betsPerSecond := flag.Int("rate", 50, "Raffle entries per second after guesses are sent")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	guessesOnly := flag.Bool("guesses-only", false, "Only send one guess per player per day, no raffle traffic")
	flag.Parse()

	brokerList := strings.Split(*brokers, ",")
	optionList := strings.Split(*options, ",")

	fmt.Println("--------------------------------------------------------------")
	fmt.Println("  Koyon submission producer")
	fmt.Println("--------------------------------------------------------------")
	fmt.Printf("  Brokers:          %s\n", *brokers)
	fmt.Printf("  Topic:            %s\n", *topic)
	fmt.Printf("  Players:          %d\n", *totalPlayers)
	fmt.Printf("  Picks/outcome:    %d of %v\n", *games, optionList)
	fmt.Printf("  Bets/sec:         %d\n", *betsPerSecond)
	fmt.Println("--------------------------------------------------------------")
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	finish := func(reason string) {
		fmt.Printf("\n%s\n", reason)
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	send := func(sub domain.Submission) {
		data, err := json.Marshal(sub)
		if err != nil {
			log.Printf("Failed to marshal message: %v", err)
			return
		}
		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(sub.Address),
			Value: sarama.ByteEncoder(data),
		}
		select {
		case producer.Input() <- msg:
		case <-done:
		}
	}

	// One guess per player per day
	for _, day := range domain.Days() {
		fmt.Printf("Sending %s-day guesses...\n", day)
		for i := 0; i < *totalPlayers; i++ {
			send(domain.Submission{
				Type:             domain.SubmissionGuess,
				Address:          playerAddress(i),
				Day:              day,
				PredictedOutcome: randomOutcome(*games, optionList),
			})
		}
	}

	if *guessesOnly {
		finish("Guesses-only mode: exiting")
		return
	}

	fmt.Println("Sending raffle entries, press Ctrl+C to stop")

	ticker := time.NewTicker(time.Second / time.Duration(*betsPerSecond))
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var betCount int64
	for {
		select {
		case <-sigChan:
			finish("Shutting down...")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				finish("Duration reached, shutting down...")
				return
			}
			send(domain.Submission{
				Type:     domain.SubmissionBet,
				Address:  playerAddress(rand.Intn(*totalPlayers)),
				ItemCode: domain.ItemCodes[rand.Intn(len(domain.ItemCodes))],
			})
			atomic.AddInt64(&betCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Bets: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&betCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
