package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
)

type wireEvent struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	c, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func writeEvent(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	if err := c.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads frames until one named name arrives.
func readUntil(t *testing.T, c *websocket.Conn, name string) wireEvent {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev wireEvent
		if err := c.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		if ev.Event == name {
			return ev
		}
	}
}

func newWSTestServer(t *testing.T, v Verifier) (*httptest.Server, *env) {
	t.Helper()
	e := newEnv(t)
	mux := http.NewServeMux()
	mux.Handle("/ws", NewWSServer(e.h, v, WSConfig{PingPeriod: time.Second}, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, e
}

func TestWebsocketRideFlow(t *testing.T) {
	srv, e := newWSTestServer(t, nil)
	rider := dial(t, srv, "")
	driver := dial(t, srv, "")

	writeEvent(t, rider, EventActorJoin, map[string]string{"actorId": "u1", "role": "rider"})
	readUntil(t, rider, OutActorJoined)
	writeEvent(t, driver, EventActorJoin, map[string]string{"actorId": "d1", "role": "driver"})
	readUntil(t, driver, OutActorJoined)

	writeEvent(t, rider, EventRideCreated, map[string]string{"pickup": "MG Road", "destination": "Airport", "vehicleType": "car"})
	confirmed := readUntil(t, rider, "ride-confirmed")
	var r models.Ride
	if err := json.Unmarshal(confirmed.Data, &r); err != nil || r.OTP == "" {
		t.Fatalf("ride-confirmed without otp: %s", confirmed.Data)
	}

	offer := readUntil(t, driver, "new-ride")
	if strings.Contains(string(offer.Data), `"otp"`) {
		t.Fatalf("new-ride leaked otp: %s", offer.Data)
	}
	if offer.Timestamp.IsZero() {
		t.Fatalf("outbound events must be timestamped")
	}

	writeEvent(t, driver, EventRideAccepted, map[string]string{"rideId": r.ID})
	readUntil(t, rider, "ride-accepted")

	writeEvent(t, driver, EventRideStarted, map[string]string{"rideId": r.ID, "otp": "999999"})
	rejected := readUntil(t, driver, OutError)
	var p ErrorPayload
	json.Unmarshal(rejected.Data, &p)
	if p.Code != "invalid_otp" {
		t.Fatalf("expected invalid_otp, got %+v", p)
	}

	writeEvent(t, driver, EventRideStarted, map[string]string{"rideId": r.ID, "otp": r.OTP})
	readUntil(t, rider, "ride-started")
	writeEvent(t, driver, EventRideCompleted, map[string]string{"rideId": r.ID})
	readUntil(t, rider, "ride-completed")

	stored, err := e.store.FindByID(context.Background(), r.ID)
	if err != nil || stored.Status != models.StatusCompleted {
		t.Fatalf("ride not completed: %+v %v", stored, err)
	}
}

func TestWebsocketCloseReleasesPresence(t *testing.T) {
	srv, e := newWSTestServer(t, nil)
	c := dial(t, srv, "")
	writeEvent(t, c, EventActorJoin, map[string]string{"actorId": "d1", "role": "driver"})
	readUntil(t, c, OutActorJoined)
	c.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := e.reg.Resolve("d1"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("presence binding survived disconnect")
}

func TestWebsocketDisconnectEventClosesTransport(t *testing.T) {
	srv, e := newWSTestServer(t, nil)
	c := dial(t, srv, "")
	writeEvent(t, c, EventActorJoin, map[string]string{"actorId": "d1", "role": "driver"})
	readUntil(t, c, OutActorJoined)
	writeEvent(t, c, EventDisconnect, nil)

	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			if isTimeout(err) {
				t.Fatalf("server kept the connection open after disconnect")
			}
			break
		}
	}
	if _, ok := e.reg.Resolve("d1"); ok {
		t.Fatalf("presence binding survived disconnect event")
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func TestWebsocketRequiresTokenWhenConfigured(t *testing.T) {
	v := auth.NewVerifier("s3cret")
	srv, _ := newWSTestServer(t, v)

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	tok, err := v.Sign(models.Actor{ID: "u1", Role: models.RoleRider}, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c := dial(t, srv, "?token="+tok)
	writeEvent(t, c, EventActorJoin, map[string]string{"actorId": "u2", "role": "rider"})
	ev := readUntil(t, c, OutError)
	var p ErrorPayload
	json.Unmarshal(ev.Data, &p)
	if p.Code != "unauthorized" {
		t.Fatalf("expected unauthorized join, got %+v", p)
	}
	writeEvent(t, c, EventActorJoin, map[string]string{"actorId": "u1", "role": "rider"})
	readUntil(t, c, OutActorJoined)
}
