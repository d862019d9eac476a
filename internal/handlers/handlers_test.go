package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/handlers"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/hub"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/risk"
	"github.com/XavierBriggs/fortuna/services/risk-engine/internal/store"
	"github.com/XavierBriggs/fortuna/services/risk-engine/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStore implements store.Store in memory
type MockStore struct {
	mu        sync.Mutex
	bankrolls map[string]risk.BankrollState
	saved     []*models.Batch
	saveErr   error
}

func (m *MockStore) Ping(ctx context.Context) error { return nil }
func (m *MockStore) Close() error                   { return nil }

func (m *MockStore) Snapshot(ctx context.Context, userID string) (risk.BankrollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.bankrolls[userID]
	if !ok {
		return risk.BankrollState{}, store.ErrBankrollNotFound
	}
	return state, nil
}

func (m *MockStore) SaveBatch(ctx context.Context, batch *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, batch)
	return nil
}

func (m *MockStore) RecentBatches(ctx context.Context, userID string, limit int) ([]models.BatchHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	headers := []models.BatchHeader{}
	for _, b := range m.saved {
		if b.UserID == userID && len(headers) < limit {
			headers = append(headers, models.BatchHeader{
				ID:          b.ID,
				UserID:      b.UserID,
				TotalStake:  b.Summary.TotalStake,
				StakedCount: b.Summary.StakedCount,
				BetCount:    len(b.Recommendations),
			})
		}
	}
	return headers, nil
}

// MockPublisher records published batches
type MockPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (m *MockPublisher) PublishBatch(ctx context.Context, batch *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, batch.ID)
	return m.err
}

type testEnv struct {
	router    http.Handler
	store     *MockStore
	publisher *MockPublisher
	hub       *hub.Hub
}

func newTestEnv(t *testing.T, withStore bool) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := hub.NewHub()
	go h.Run(ctx)

	env := &testEnv{publisher: &MockPublisher{}, hub: h}

	var st store.Store
	if withStore {
		env.store = &MockStore{bankrolls: map[string]risk.BankrollState{
			"alice": bankroll("1000", "200", "0"),
			"spent": bankroll("1000", "200", "200"),
		}}
		st = env.store
	}

	handler := handlers.NewHandler(ctx, risk.DefaultPolicy(), risk.DefaultRiskLevels(), st, env.publisher, h)
	r := chi.NewRouter()
	handler.Routes(r)
	env.router = r
	return env
}

func bankroll(balance, maxLoss, lossSoFar string) risk.BankrollState {
	return risk.BankrollState{
		CurrentBalance:  decimal.RequireFromString(balance),
		StartingBalance: decimal.RequireFromString(balance),
		MaxDailyLoss:    decimal.RequireFromString(maxLoss),
		DailyLossSoFar:  decimal.RequireFromString(lossSoFar),
	}
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBatch(t *testing.T, w *httptest.ResponseRecorder) models.Batch {
	t.Helper()
	var batch models.Batch
	require.NoError(t, json.NewDecoder(w.Body).Decode(&batch))
	return batch
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "risk-engine", response["service"])
	assert.Equal(t, true, response["store"])

	ws, ok := response["ws"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, ws, "active_clients")
}

func TestGetRiskLevels(t *testing.T) {
	env := newTestEnv(t, false)

	w := env.do(t, http.MethodGet, "/api/v1/risk-levels", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response models.RiskLevelsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	require.Len(t, response.Levels, 3)
	assert.Equal(t, risk.LevelConservative, response.Levels[0].Name)
	assert.Equal(t, risk.LevelAggressive, response.Levels[2].Name)
	assert.Equal(t, 0.05, response.Policy.MaxBetFraction)
}

func TestCreateRecommendations_InlineBankroll(t *testing.T) {
	env := newTestEnv(t, false)
	state := bankroll("1000", "200", "0")

	w := env.do(t, http.MethodPost, "/api/v1/recommendations", models.RecommendationRequest{
		Bankroll: &state,
		Candidates: []models.CandidateInput{
			{ID: "fav", ModelProbability: 0.7, DecimalOdds: floatPtr(2.0)},
			{ID: "dog", ModelProbability: 0.4, DecimalOdds: floatPtr(2.0)},
			{ID: "plus", ModelProbability: 0.7, AmericanOdds: intPtr(150)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	batch := decodeBatch(t, w)
	assert.NotEmpty(t, batch.ID)
	require.Len(t, batch.Recommendations, 3)

	fav := batch.Recommendations[0]
	assert.Equal(t, "fav", fav.ID)
	assert.True(t, fav.RecommendedStake.Equal(decimal.NewFromInt(50)), fav.RecommendedStake.String())
	assert.Equal(t, []risk.Flag{risk.FlagSingleBetCapped}, fav.Flags)

	dog := batch.Recommendations[1]
	assert.True(t, dog.RecommendedStake.IsZero())
	assert.True(t, dog.Has(risk.FlagNegativeEdge))

	plus := batch.Recommendations[2]
	assert.True(t, plus.RecommendedStake.Equal(decimal.NewFromInt(50)))

	assert.True(t, batch.Summary.TotalStake.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, 2, batch.Summary.StakedCount)

	env.publisher.mu.Lock()
	assert.Equal(t, []string{batch.ID}, env.publisher.published)
	env.publisher.mu.Unlock()
}

func TestCreateRecommendations_RiskLevel(t *testing.T) {
	env := newTestEnv(t, false)
	state := bankroll("1000", "200", "0")

	w := env.do(t, http.MethodPost, "/api/v1/recommendations", models.RecommendationRequest{
		Bankroll:  &state,
		RiskLevel: risk.LevelModerate,
		Candidates: []models.CandidateInput{
			{ID: "fav", ModelProbability: 0.7, DecimalOdds: floatPtr(2.0)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	batch := decodeBatch(t, w)
	assert.Equal(t, risk.LevelModerate, batch.RiskLevel)
	assert.Equal(t, 0.70, batch.ConfidenceThreshold)
	assert.True(t, batch.Recommendations[0].RecommendedStake.Equal(decimal.NewFromInt(120)))
}

func TestCreateRecommendations_ThresholdOverride(t *testing.T) {
	env := newTestEnv(t, false)
	state := bankroll("1000", "200", "0")

	w := env.do(t, http.MethodPost, "/api/v1/recommendations", models.RecommendationRequest{
		Bankroll:            &state,
		ConfidenceThreshold: floatPtr(0.5),
		Candidates: []models.CandidateInput{
			{ID: "close", ModelProbability: 0.55, DecimalOdds: floatPtr(2.0)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	batch := decodeBatch(t, w)
	rec := batch.Recommendations[0]
	assert.True(t, rec.RecommendedStake.Equal(decimal.NewFromInt(50)))
	assert.Empty(t, rec.Flags)
}

func TestCreateRecommendations_StoredBankroll(t *testing.T) {
	env := newTestEnv(t, true)

	client := hub.NewClient("watcher", nil, env.hub)
	client.SetFilter(models.SubscriptionFilter{UserIDs: []string{"alice"}})
	env.hub.Register(client)

	w := env.do(t, http.MethodPost, "/api/v1/recommendations", models.RecommendationRequest{
		UserID: "alice",
		Candidates: []models.CandidateInput{
			{ID: "fav", ModelProbability: 0.7, DecimalOdds: floatPtr(2.0)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	batch := decodeBatch(t, w)

	env.store.mu.Lock()
	require.Len(t, env.store.saved, 1)
	assert.Equal(t, batch.ID, env.store.saved[0].ID)
	env.store.mu.Unlock()

	select {
	case msg := <-client.Send:
		assert.Equal(t, models.MessageTypeBatch, msg.Type)
	case <-time.After(time.Second):
		t.Fatal("batch was not broadcast")
	}

	w = env.do(t, http.MethodGet, "/api/v1/batches/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Batches []models.BatchHeader `json:"batches"`
		Count   int                  `json:"count"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&listing))
	assert.Equal(t, 1, listing.Count)
	assert.Equal(t, batch.ID, listing.Batches[0].ID)
}

func TestCreateRecommendations_DailyLossExhausted(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodPost, "/api/v1/recommendations", models.RecommendationRequest{
		UserID: "spent",
		Candidates: []models.CandidateInput{
			{ID: "fav", ModelProbability: 0.7, DecimalOdds: floatPtr(2.0)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	batch := decodeBatch(t, w)
	rec := batch.Recommendations[0]
	assert.True(t, rec.RecommendedStake.IsZero())
	assert.True(t, rec.Has(risk.FlagExceedsDailyLossBudget))
}

func TestCreateRecommendations_SideEffectFailuresDoNotFailRequest(t *testing.T) {
	env := newTestEnv(t, true)
	env.store.saveErr = errors.New("disk full")
	env.publisher.err = errors.New("redis down")

	w := env.do(t, http.MethodPost, "/api/v1/recommendations", models.RecommendationRequest{
		UserID: "alice",
		Candidates: []models.CandidateInput{
			{ID: "fav", ModelProbability: 0.7, DecimalOdds: floatPtr(2.0)},
		},
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateRecommendations_Errors(t *testing.T) {
	negative := bankroll("-1", "200", "0")
	valid := bankroll("1000", "200", "0")
	one := []models.CandidateInput{{ID: "a", ModelProbability: 0.7, DecimalOdds: floatPtr(2.0)}}

	tests := []struct {
		name      string
		withStore bool
		body      interface{}
		want      int
	}{
		{"malformed body", true, "not an object", http.StatusBadRequest},
		{"no bankroll or user", true, models.RecommendationRequest{Candidates: one}, http.StatusBadRequest},
		{"unknown user", true, models.RecommendationRequest{UserID: "ghost", Candidates: one}, http.StatusNotFound},
		{"user without store", false, models.RecommendationRequest{UserID: "alice", Candidates: one}, http.StatusServiceUnavailable},
		{"negative balance", true, models.RecommendationRequest{Bankroll: &negative, Candidates: one}, http.StatusUnprocessableEntity},
		{"empty batch", true, models.RecommendationRequest{Bankroll: &valid}, http.StatusBadRequest},
		{"unknown risk level", true, models.RecommendationRequest{Bankroll: &valid, RiskLevel: "yolo", Candidates: one}, http.StatusBadRequest},
		{"threshold out of range", true, models.RecommendationRequest{Bankroll: &valid, ConfidenceThreshold: floatPtr(1.5), Candidates: one}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.withStore)
			w := env.do(t, http.MethodPost, "/api/v1/recommendations", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())

			var response map[string]string
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.NotEmpty(t, response["error"])
		})
	}
}

func TestCreateRecommendations_InvalidCandidateDoesNotFailBatch(t *testing.T) {
	env := newTestEnv(t, false)
	state := bankroll("1000", "200", "0")

	w := env.do(t, http.MethodPost, "/api/v1/recommendations", models.RecommendationRequest{
		Bankroll: &state,
		Candidates: []models.CandidateInput{
			{ID: "bad", ModelProbability: 0.7, AmericanOdds: intPtr(0)},
			{ID: "short", ModelProbability: 0.7, AmericanOdds: intPtr(-50)},
			{ID: "good", ModelProbability: 0.7, DecimalOdds: floatPtr(2.0)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	batch := decodeBatch(t, w)
	for _, rec := range batch.Recommendations[:2] {
		assert.Equal(t, []risk.Flag{risk.FlagInvalidInput}, rec.Flags, rec.ID)
		assert.True(t, rec.RecommendedStake.IsZero(), rec.ID)
	}
	assert.True(t, batch.Recommendations[2].RecommendedStake.Equal(decimal.NewFromInt(50)))
}

func TestGetBankroll(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodGet, "/api/v1/bankroll/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var response struct {
		UserID             string             `json:"user_id"`
		Bankroll           risk.BankrollState `json:"bankroll"`
		RemainingDailyLoss decimal.Decimal    `json:"remaining_daily_loss"`
		Exhausted          bool               `json:"daily_loss_exhausted"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "alice", response.UserID)
	assert.True(t, response.Bankroll.CurrentBalance.Equal(decimal.NewFromInt(1000)))
	assert.True(t, response.RemainingDailyLoss.Equal(decimal.NewFromInt(200)))
	assert.False(t, response.Exhausted)

	w = env.do(t, http.MethodGet, "/api/v1/bankroll/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStoreEndpointsWithoutStore(t *testing.T) {
	env := newTestEnv(t, false)

	for _, path := range []string{"/api/v1/bankroll/alice", "/api/v1/batches/alice"} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

func TestGetBatches_InvalidLimit(t *testing.T) {
	env := newTestEnv(t, true)

	w := env.do(t, http.MethodGet, "/api/v1/batches/alice?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type wsEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wsEnvelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_SubscribedClientReceivesBatch(t *testing.T) {
	env := newTestEnv(t, true)
	env.store.bankrolls["bob"] = bankroll("500", "100", "0")

	server := httptest.NewServer(env.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(models.ClientMessage{
		Type:    models.MessageTypeSubscribe,
		Payload: map[string]interface{}{"user_ids": []string{"alice"}},
	}))

	// messages are handled in order, so the heartbeat reply means the filter is set
	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: models.MessageTypeHeartbeat}))
	assert.Equal(t, models.MessageTypeHeartbeat, readEnvelope(t, conn).Type)

	post := func(userID string) string {
		body, err := json.Marshal(models.RecommendationRequest{
			UserID: userID,
			Candidates: []models.CandidateInput{
				{ID: "fav", ModelProbability: 0.7, DecimalOdds: floatPtr(2.0)},
			},
		})
		require.NoError(t, err)

		resp, err := http.Post(server.URL+"/api/v1/recommendations", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var batch models.Batch
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&batch))
		return batch.ID
	}

	post("bob")
	aliceBatch := post("alice")

	msg := readEnvelope(t, conn)
	require.Equal(t, models.MessageTypeBatch, msg.Type)

	var delivered models.Batch
	require.NoError(t, json.Unmarshal(msg.Payload, &delivered))
	assert.Equal(t, aliceBatch, delivered.ID)
	assert.Equal(t, "alice", delivered.UserID)
	require.Len(t, delivered.Recommendations, 1)
	assert.True(t, delivered.Recommendations[0].RecommendedStake.Equal(decimal.NewFromInt(50)))
}

func TestWebSocket_UnknownMessageType(t *testing.T) {
	env := newTestEnv(t, false)

	server := httptest.NewServer(env.router)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(models.ClientMessage{Type: "bogus"}))

	msg := readEnvelope(t, conn)
	assert.Equal(t, models.MessageTypeError, msg.Type)

	var payload models.ErrorMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "unknown_message_type", payload.Code)
}
