package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Maelsh/dueli-opus-sub002/internal/auth"
	"github.com/Maelsh/dueli-opus-sub002/internal/competition"
)

const testSecret = "test-secret"

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	claims := auth.SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func newVerifier() *Verifier {
	comps := competition.NewMemoryStore()
	comps.Put(competition.Record{ID: "42", HostID: "alice", OpponentID: "bob", Live: true})
	comps.Put(competition.Record{ID: "43", HostID: "alice", OpponentID: "bob", Live: false})
	return NewVerifier(comps, testSecret)
}

func TestVerifier_codes(t *testing.T) {
	v := newVerifier()
	ctx := context.Background()

	cases := []struct {
		name     string
		token    string
		compID   string
		role     competition.Role
		wantCode string
	}{
		{"bad token", "garbage", "42", competition.RoleHost, CodeInvalidSession},
		{"missing competition", "", "99", competition.RoleHost, CodeCompetitionNotFound},
		{"not live", "", "43", competition.RoleHost, CodeCompetitionNotActive},
		{"stranger", "", "42", competition.RoleHost, CodeNotParticipant},
		{"role mismatch", "", "42", competition.RoleHost, CodeRoleMismatch},
	}

	tokens := map[string]string{
		"missing competition": mintToken(t, "alice"),
		"not live":            mintToken(t, "alice"),
		"stranger":            mintToken(t, "carol"),
		"role mismatch":       mintToken(t, "bob"),
	}

	for _, tc := range cases {
		token := tc.token
		if token == "" {
			token = tokens[tc.name]
		}
		_, err := v.Verify(ctx, token, tc.compID, tc.role)
		var ve *VerifyError
		if !errors.As(err, &ve) || ve.Code != tc.wantCode {
			t.Errorf("%s: got %v, want code %s", tc.name, err, tc.wantCode)
		}
	}
}

func TestVerifier_roleAssertedFromRecord(t *testing.T) {
	v := newVerifier()

	result, err := v.Verify(context.Background(), mintToken(t, "bob"), "42", competition.RoleOpponent)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Role != competition.RoleOpponent || result.UserID != "bob" {
		t.Errorf("got role=%s user=%s", result.Role, result.UserID)
	}

	// An empty claim resolves to the record's role rather than failing.
	result, err = v.Verify(context.Background(), mintToken(t, "alice"), "42", "")
	if err != nil {
		t.Fatalf("Verify with empty claim: %v", err)
	}
	if result.Role != competition.RoleHost {
		t.Errorf("empty claim resolved to %s, want host", result.Role)
	}
}

func drainUntil(t *testing.T, ch chan []byte, envType string) Envelope {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case data := <-ch:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatal(err)
			}
			if env.Type == envType {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s envelope received", envType)
		}
	}
}

func TestHub_joinRelayLeave(t *testing.T) {
	hub := NewHub(DefaultSocketConfig(), nil)
	ctx := context.Background()

	host, err := hub.Join(ctx, "comp_42", competition.RoleHost, "alice", TransportPoll)
	if err != nil {
		t.Fatal(err)
	}
	opp, err := hub.Join(ctx, "comp_42", competition.RoleOpponent, "bob", TransportPoll)
	if err != nil {
		t.Fatal(err)
	}

	// Host learns the opponent joined.
	env := drainUntil(t, host.Send, EnvelopePeerJoined)
	if env.Role != competition.RoleOpponent {
		t.Errorf("peer_joined role = %s", env.Role)
	}

	// Duplicate role join is rejected.
	if _, err := hub.Join(ctx, "comp_42", competition.RoleHost, "alice", TransportPoll); !errors.Is(err, ErrRoleTaken) {
		t.Errorf("duplicate host join: got %v, want ErrRoleTaken", err)
	}

	// Signals relay to the opposite role only.
	hub.Forward(host, SignalOffer, json.RawMessage(`{"sdp":"x"}`))
	env = drainUntil(t, opp.Send, EnvelopeSignal)
	if env.SignalType != SignalOffer || env.Role != competition.RoleHost {
		t.Errorf("relayed signal = %+v", env)
	}

	// Unknown types are dropped.
	hub.Forward(host, SignalType("bogus"), nil)
	select {
	case data := <-opp.Send:
		var got Envelope
		json.Unmarshal(data, &got)
		if got.Type == EnvelopeSignal {
			t.Errorf("bogus signal relayed: %+v", got)
		}
	case <-time.After(50 * time.Millisecond):
	}

	hub.Leave(opp)
	env = drainUntil(t, host.Send, EnvelopePeerLeft)
	if env.Role != competition.RoleOpponent {
		t.Errorf("peer_left role = %s", env.Role)
	}

	// Role frees up after leave.
	if _, err := hub.Join(ctx, "comp_42", competition.RoleOpponent, "bob", TransportPoll); err != nil {
		t.Errorf("rejoin after leave: %v", err)
	}
}

func TestHub_sendToDepartedPeerIsDropped(t *testing.T) {
	hub := NewHub(DefaultSocketConfig(), nil)
	ctx := context.Background()

	host, err := hub.Join(ctx, "comp_42", competition.RoleHost, "alice", TransportPoll)
	if err != nil {
		t.Fatal(err)
	}
	opp, err := hub.Join(ctx, "comp_42", competition.RoleOpponent, "bob", TransportPoll)
	if err != nil {
		t.Fatal(err)
	}

	hub.Leave(opp)

	// A relay that captured the peer before it left must drop silently,
	// never send on the closed channel.
	opp.sendEnvelope(Envelope{Type: EnvelopeSignal, SignalType: SignalOffer})
	hub.Forward(host, SignalOffer, json.RawMessage(`{"sdp":"x"}`))
	hub.Leave(opp) // repeated leave stays a no-op
}

func TestHub_concurrentJoinLeaveChurn(t *testing.T) {
	hub := NewHub(DefaultSocketConfig(), nil)
	ctx := context.Background()

	churn := func(role competition.Role, userID string) {
		for i := 0; i < 100; i++ {
			peer, err := hub.Join(ctx, "comp_42", role, userID, TransportPoll)
			if err != nil {
				continue
			}
			hub.Forward(peer, SignalICE, json.RawMessage(`{"candidate":"c"}`))
			hub.Leave(peer)
		}
	}

	var wg sync.WaitGroup
	for _, w := range []struct {
		role competition.Role
		user string
	}{
		{competition.RoleHost, "alice"},
		{competition.RoleHost, "alice"},
		{competition.RoleOpponent, "bob"},
		{competition.RoleOpponent, "bob"},
	} {
		wg.Add(1)
		go func(role competition.Role, user string) {
			defer wg.Done()
			churn(role, user)
		}(w.role, w.user)
	}
	wg.Wait()

	// The room must be fully torn down once everyone has left.
	if p := hub.lookupPeer("comp_42", competition.RoleHost); p != nil {
		t.Errorf("stale host peer %s after churn", p.ID)
	}
	if p := hub.lookupPeer("comp_42", competition.RoleOpponent); p != nil {
		t.Errorf("stale opponent peer %s after churn", p.ID)
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewHandler(NewHub(DefaultSocketConfig(), nil), newVerifier())
	h.RegisterRoutes(router, router.Group("/api"))
	return httptest.NewServer(router)
}

func TestHandler_verifyEndpoint(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body := `{"sessionToken":"` + mintToken(t, "alice") + `","competitionId":"42","claimedRole":"host"}`
	resp, err := http.Post(srv.URL+"/api/signaling/verify", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var got struct {
		Data struct {
			Valid  bool   `json:"valid"`
			Role   string `json:"role"`
			UserID string `json:"userId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got.Data.Valid || got.Data.Role != "host" || got.Data.UserID != "alice" {
		t.Errorf("verify response = %+v", got.Data)
	}
}

func TestHandler_verifyRoleMismatch(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body := `{"sessionToken":"` + mintToken(t, "bob") + `","competitionId":"42","claimedRole":"host"}`
	resp, err := http.Post(srv.URL+"/api/signaling/verify", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	var got struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Error.Code != CodeRoleMismatch {
		t.Errorf("error code = %s, want %s", got.Error.Code, CodeRoleMismatch)
	}
}

func TestPollTransport_endToEnd(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	host, err := DialPoll(srv.URL, "comp_42", competition.RoleHost, mintToken(t, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	defer host.Close()

	opp, err := DialPoll(srv.URL, "comp_42", competition.RoleOpponent, mintToken(t, "bob"))
	if err != nil {
		t.Fatal(err)
	}
	defer opp.Close()

	if err := host.Send(SignalOffer, json.RawMessage(`{"sdp":"offer"}`)); err != nil {
		t.Fatal(err)
	}

	select {
	case sig := <-opp.Signals():
		if sig.Type != SignalOffer || sig.FromRole != competition.RoleHost {
			t.Errorf("signal = %+v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("opponent never received the offer over the poll transport")
	}
}

func TestMemoryPair_orderPreserved(t *testing.T) {
	host, opp := NewMemoryPair("comp_42")
	defer host.Close()
	defer opp.Close()

	for i := 0; i < 5; i++ {
		payload, _ := json.Marshal(map[string]int{"n": i})
		if err := host.Send(SignalICE, payload); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		sig := <-opp.Signals()
		var got struct {
			N int `json:"n"`
		}
		json.Unmarshal(sig.Payload, &got)
		if got.N != i {
			t.Fatalf("signal %d arrived out of order (got %d)", i, got.N)
		}
	}
}
