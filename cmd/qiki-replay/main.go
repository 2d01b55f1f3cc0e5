// qiki-replay captures persisted stream traffic to JSONL files and plays the
// files back onto the canonical subjects. Replays keep each message's
// original dedup id, so replaying into a live system exercises the same
// idempotence the producers rely on.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/contracts"
	"github.com/qiki/dtmp/internal/infra"
)

// capturedMsg is one JSONL line in a capture file.
type capturedMsg struct {
	Subject string          `json:"subject"`
	MsgID   string          `json:"msg_id,omitempty"`
	Data    json.RawMessage `json:"data"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(infra.ExitConfig)
	}
	switch os.Args[1] {
	case "record":
		os.Exit(cmdRecord(os.Args[2:]))
	case "replay":
		os.Exit(cmdReplay(os.Args[2:]))
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(infra.ExitConfig)
	}
}

func printUsage() {
	fmt.Println(`qiki-replay captures and replays persisted bus traffic.

Usage: qiki-replay <command> [flags]

Commands:
  record   -subject S -out file.jsonl [-count N] [-config qiki.yaml]
  replay   -in file.jsonl [-config qiki.yaml]

record stops after N messages (0 = run until interrupted). replay publishes
every line back onto its recorded subject with the original message id.`)
}

func cmdRecord(args []string) int {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	subject := fs.String("subject", "", "subject to capture (must be stream-bound)")
	out := fs.String("out", "", "output JSONL file")
	count := fs.Int("count", 0, "stop after this many messages (0 = until interrupt)")
	configPath := fs.String("config", "", "path to qiki.yaml (built-in defaults when empty)")
	fs.Parse(args)

	_ = godotenv.Load()
	log := infra.NewLogger()
	if *subject == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "record needs -subject and -out")
		return infra.ExitConfig
	}
	stream, err := streamFor(*subject)
	if err != nil {
		log.Error("[Replay] cannot record", "error", err)
		return infra.ExitConfig
	}

	cfg, _, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Error("[Replay] config load failed", "error", err)
		return infra.ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := infra.OpenBus(ctx, log, cfg.Bus, nil)
	if err != nil {
		log.Error("[Replay] backplane unreachable", "url", cfg.Bus.URL, "error", err)
		return infra.ExitBus
	}
	defer b.Close()
	if err := bus.EnsureCanonicalStreams(ctx, b); err != nil {
		log.Error("[Replay] stream ensure failed", "error", err)
		return infra.ExitBus
	}

	// A fresh durable per invocation, so every capture reads the stream from
	// the beginning instead of inheriting an old cursor.
	consumer, err := b.PullConsumer(ctx, bus.ConsumerConfig{
		Stream:        stream,
		Durable:       "replay_rec_" + uuid.NewString()[:8],
		FilterSubject: *subject,
		AckWait:       30 * time.Second,
		MaxAckPending: 512,
	})
	if err != nil {
		log.Error("[Replay] consumer setup failed", "stream", stream, "error", err)
		return infra.ExitBus
	}
	defer consumer.Close()

	f, err := os.Create(*out)
	if err != nil {
		log.Error("[Replay] cannot create capture file", "path", *out, "error", err)
		return infra.ExitConfig
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	log.Info("[Replay] recording", "subject", *subject, "stream", stream, "out", *out)
	captured := 0
	for *count == 0 || captured < *count {
		msgs, err := consumer.Fetch(ctx, 64)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, bus.ErrAckPending) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Warn("[Replay] fetch failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}
		for _, msg := range msgs {
			line, err := json.Marshal(capturedMsg{
				Subject: msg.Subject,
				MsgID:   msg.ID(),
				Data:    json.RawMessage(msg.Data),
			})
			if err != nil {
				log.Warn("[Replay] skipping unencodable message", "subject", msg.Subject, "error", err)
				_ = msg.Ack(ctx)
				continue
			}
			w.Write(line)
			w.WriteByte('\n')
			_ = msg.Ack(ctx)
			captured++
			if *count > 0 && captured >= *count {
				break
			}
		}
	}

	if err := w.Flush(); err != nil {
		log.Error("[Replay] capture flush failed", "path", *out, "error", err)
		return infra.ExitInternal
	}
	log.Info("[Replay] capture done", "messages", captured, "out", *out)
	return infra.ExitOK
}

func cmdReplay(args []string) int {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	in := fs.String("in", "", "capture JSONL file to replay")
	configPath := fs.String("config", "", "path to qiki.yaml (built-in defaults when empty)")
	fs.Parse(args)

	_ = godotenv.Load()
	log := infra.NewLogger()
	if *in == "" {
		fmt.Fprintln(os.Stderr, "replay needs -in")
		return infra.ExitConfig
	}

	cfg, _, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Error("[Replay] config load failed", "error", err)
		return infra.ExitConfig
	}

	f, err := os.Open(*in)
	if err != nil {
		log.Error("[Replay] cannot open capture file", "path", *in, "error", err)
		return infra.ExitConfig
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := infra.OpenBus(ctx, log, cfg.Bus, nil)
	if err != nil {
		log.Error("[Replay] backplane unreachable", "url", cfg.Bus.URL, "error", err)
		return infra.ExitBus
	}
	defer b.Close()
	if err := bus.EnsureCanonicalStreams(ctx, b); err != nil {
		log.Error("[Replay] stream ensure failed", "error", err)
		return infra.ExitBus
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	replayed, duplicates, lineNo := 0, 0, 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var rec capturedMsg
		if err := json.Unmarshal([]byte(raw), &rec); err != nil || rec.Subject == "" || len(rec.Data) == 0 {
			log.Warn("[Replay] skipping malformed line", "line", lineNo)
			continue
		}
		err := b.PublishMsg(ctx, rec.Subject, rec.Data, rec.MsgID)
		switch {
		case err == nil:
			replayed++
		case errors.Is(err, bus.ErrDuplicate):
			duplicates++
		default:
			log.Error("[Replay] publish failed", "line", lineNo, "subject", rec.Subject, "error", err)
			return infra.ExitInternal
		}
		if ctx.Err() != nil {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("[Replay] capture read failed", "path", *in, "error", err)
		return infra.ExitInternal
	}

	log.Info("[Replay] replay done", "messages", replayed, "duplicates", duplicates)
	return infra.ExitOK
}

// streamFor maps a subject to the persistent stream that binds it. Live-only
// subjects (telemetry, commands) have nothing to record.
func streamFor(subject string) (string, error) {
	switch {
	case contracts.MatchSubject(contracts.StreamRadarSubjects, subject):
		return contracts.StreamRadar, nil
	case contracts.MatchSubject(contracts.StreamEventsSubjects, subject):
		return contracts.StreamEvents, nil
	}
	return "", fmt.Errorf("subject %s is not bound to a persistent stream", subject)
}
