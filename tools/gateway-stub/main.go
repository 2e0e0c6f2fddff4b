// gateway-stub is a local stand-in for the survey notification gateway. It
// checks the request signature, answers with a tracking id and keeps the last
// deliveries for inspection.
package main

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

type delivery struct {
	Timestamp  string          `json:"timestamp"`
	TrackingID string          `json:"tracking_id"`
	ScheduleID string          `json:"schedule_id"`
	RequestID  string          `json:"request_id"`
	Signed     bool            `json:"signed"`
	Payload    json.RawMessage `json:"payload"`
}

type stats struct {
	Accepted       int64      `json:"accepted"`
	Rejected       int64      `json:"rejected"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

var (
	mu             sync.Mutex
	accepted       int64
	rejected       int64
	requests       int64
	lastDeliveries []delivery
	since          time.Time
	maxStored      = 50

	secret    string
	failEvery int64
)

func main() {
	since = time.Now().UTC()

	addr := ":8090"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	secret = os.Getenv("DELIVERY_SECRET")
	// FAIL_EVERY=n answers every nth request with 503, to exercise failure paths.
	if v := os.Getenv("FAIL_EVERY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			log.Fatalf("invalid FAIL_EVERY %q", v)
		}
		failEvery = n
	}

	http.HandleFunc("/surveys", surveysHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		accepted, rejected, requests = 0, 0, 0
		lastDeliveries = nil
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("gateway-stub listening on %s (signature check: %t)", addr, secret != "")
	log.Fatal(http.ListenAndServe(addr, nil))
}

func surveysHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	mu.Lock()
	requests++
	n := requests
	mu.Unlock()

	if secret != "" && !validSignature(body, r.Header.Get("X-Survey-Signature")) {
		reject(w, http.StatusUnauthorized, "bad signature")
		return
	}
	if failEvery > 0 && n%failEvery == 0 {
		reject(w, http.StatusServiceUnavailable, "simulated outage")
		return
	}
	if !json.Valid(body) {
		reject(w, http.StatusBadRequest, "payload is not JSON")
		return
	}

	d := delivery{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		TrackingID: newTrackingID(),
		ScheduleID: r.Header.Get("X-Survey-Schedule-ID"),
		RequestID:  r.Header.Get("X-Survey-Request-ID"),
		Signed:     secret != "",
		Payload:    body,
	}

	mu.Lock()
	accepted++
	lastDeliveries = append(lastDeliveries, d)
	if len(lastDeliveries) > maxStored {
		lastDeliveries = lastDeliveries[len(lastDeliveries)-maxStored:]
	}
	current := accepted
	mu.Unlock()

	log.Printf("survey #%d accepted: schedule=%s tracking=%s", current, d.ScheduleID, d.TrackingID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"tracking_id": d.TrackingID})
}

func reject(w http.ResponseWriter, status int, reason string) {
	mu.Lock()
	rejected++
	mu.Unlock()
	log.Printf("survey rejected (%d): %s", status, reason)
	http.Error(w, reason, status)
}

// validSignature matches the sender's hex HMAC-SHA256 of the raw body.
func validSignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func newTrackingID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return "trk_" + hex.EncodeToString(b)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Accepted:       accepted,
		Rejected:       rejected,
		LastDeliveries: lastDeliveries,
		Since:          since.Format(time.RFC3339),
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
