package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"os"
	"sort"

	"github.com/joho/godotenv"

	"github.com/thefixer3x/Onasis-CORE-sub007/internal/events"
	"github.com/thefixer3x/Onasis-CORE-sub007/internal/storage/postgres"
)

// importRecord is one line of the bootstrap file: a historical fact to
// seed the event log with. Re-running the import is safe; each record
// is fingerprinted and duplicates are skipped.
type importRecord struct {
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	ActorID       string         `json:"actor_id,omitempty"`
}

func main() {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		log.Fatal("usage: bootstrap <events.json>")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		log.Fatalf("Failed to read import file: %v", err)
	}

	var records []importRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		log.Fatalf("Failed to parse import file: %v", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPostgres(ctx, dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to db: %v", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)

	var appended, skipped int
	for _, rec := range records {
		evt := events.New(events.AggregateType(rec.AggregateType), rec.AggregateID, rec.EventType, rec.Payload)
		if rec.ActorID != "" {
			evt = evt.WithActor(rec.ActorID)
		}
		evt.Fingerprint = fingerprint(rec)

		ok, err := store.AppendEvent(ctx, evt)
		if err != nil {
			log.Fatalf("Import failed at %s/%s: %v", rec.AggregateType, rec.AggregateID, err)
		}
		if ok {
			appended++
		} else {
			skipped++
		}
	}

	log.Printf("Import complete: %d appended, %d skipped as duplicates", appended, skipped)
}

// fingerprint derives a stable digest of the record content so the same
// import file can run twice without doubling the log.
func fingerprint(rec importRecord) string {
	keys := make([]string, 0, len(rec.Payload))
	for k := range rec.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	h.Write([]byte(rec.AggregateType + "|" + rec.AggregateID + "|" + rec.EventType))
	for _, k := range keys {
		v, _ := json.Marshal(rec.Payload[k])
		h.Write([]byte("|" + k + "="))
		h.Write(v)
	}
	return hex.EncodeToString(h.Sum(nil))
}
