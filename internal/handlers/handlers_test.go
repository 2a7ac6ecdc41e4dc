package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"rewards-miniapp/internal/ads"
	"rewards-miniapp/internal/ledger"
	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/ocr"
	"rewards-miniapp/internal/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLedger struct {
	receipt ledger.Receipt
	err     error

	numbers []int
	watched bool
	mission string
	amounts []float64
}

func (f *fakeLedger) CompleteAd(ctx context.Context) (ledger.Receipt, error) {
	p := ads.NewClientReported(nil)
	if err := p.Load(ctx, ledger.Targeting{}); err != nil {
		return ledger.Receipt{}, err
	}
	f.watched, _ = p.Show(ctx)
	return f.receipt, f.err
}

func (f *fakeLedger) Stake(_ context.Context, amount float64) (ledger.Receipt, error) {
	f.amounts = append(f.amounts, amount)
	return f.receipt, f.err
}

func (f *fakeLedger) Unstake(context.Context, float64) (ledger.Receipt, error) {
	return f.receipt, f.err
}

func (f *fakeLedger) RegisterTicket(_ context.Context, numbers []int, _ string) (ledger.Receipt, error) {
	f.numbers = numbers
	return f.receipt, f.err
}

func (f *fakeLedger) SubmitPrediction(context.Context, ledger.PredictionRequest) (ledger.Receipt, error) {
	return f.receipt, f.err
}

func (f *fakeLedger) ClaimMission(_ context.Context, id string) (ledger.Receipt, error) {
	f.mission = id
	return f.receipt, f.err
}

func rewardsRouter(l Ledger) *gin.Engine {
	h := NewRewardsHandler(l, ocr.Picker{})
	r := gin.New()
	r.POST("/ads/complete", h.CompleteAd)
	r.POST("/stake", h.Stake)
	r.POST("/unstake", h.Unstake)
	r.POST("/tickets", h.RegisterTicket)
	r.POST("/predictions", h.SubmitPrediction)
	r.POST("/missions/:id/claim", h.ClaimMission)
	return r
}

func post(r http.Handler, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ledger.ErrInvalidAmount, http.StatusBadRequest},
		{ledger.ErrInvalidTicket, http.StatusBadRequest},
		{ledger.ErrAdNotCompleted, http.StatusBadRequest},
		{fmt.Errorf("%w: guard", ledger.ErrInsufficientBalance), http.StatusConflict},
		{ledger.ErrAlreadyPredicted, http.StatusConflict},
		{ledger.ErrMissionAlreadyClaimed, http.StatusConflict},
		{ledger.ErrMissionNotFound, http.StatusNotFound},
		{ledger.ErrNotSignedIn, http.StatusUnauthorized},
		{ledger.ErrRateLimited, http.StatusTooManyRequests},
		{fmt.Errorf("%w: timeout", ledger.ErrTransport), http.StatusBadGateway},
		{ledger.ErrInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			r := rewardsRouter(&fakeLedger{err: tc.err})
			w := post(r, "/stake", gin.H{"amount": 10})
			require.Equal(t, tc.want, w.Code)
		})
	}
}

func TestQueuedReceiptIsAccepted(t *testing.T) {
	r := rewardsRouter(&fakeLedger{receipt: ledger.Receipt{Key: "k", Queued: true}})
	require.Equal(t, http.StatusAccepted, post(r, "/unstake", gin.H{"amount": 1}).Code)

	r = rewardsRouter(&fakeLedger{receipt: ledger.Receipt{Key: "k"}})
	w := post(r, "/unstake", gin.H{"amount": 1})
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Receipt ledger.Receipt `json:"receipt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "k", body.Receipt.Key)
}

func TestStakeZeroAmountReachesLedger(t *testing.T) {
	l := &fakeLedger{err: ledger.ErrInvalidAmount}
	r := rewardsRouter(l)

	require.Equal(t, http.StatusBadRequest, post(r, "/stake", gin.H{}).Code)
	require.Equal(t, http.StatusBadRequest, post(r, "/stake", gin.H{"amount": 0}).Code)
	require.Equal(t, []float64{0, 0}, l.amounts)

	require.Equal(t, http.StatusBadRequest, post(r, "/stake", gin.H{"amount": "ten"}).Code)
	require.Len(t, l.amounts, 2)
}

func TestRegisterTicketFromText(t *testing.T) {
	l := &fakeLedger{}
	r := rewardsRouter(l)

	w := post(r, "/tickets", gin.H{"text": "A 03 11 17 22 38 45"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []int{3, 11, 17, 22, 38, 45}, l.numbers)

	l.numbers = nil
	w = post(r, "/tickets", gin.H{"text": "only 4 and 9"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Nil(t, l.numbers)

	w = post(r, "/tickets", gin.H{"numbers": []int{1, 2, 3, 4, 5, 6}})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6}, l.numbers)
}

func TestCompleteAdCarriesClientReport(t *testing.T) {
	l := &fakeLedger{}
	r := rewardsRouter(l)
	require.Equal(t, http.StatusOK, post(r, "/ads/complete", gin.H{"watched": true}).Code)
	require.True(t, l.watched)
}

func TestClaimMissionUsesPathID(t *testing.T) {
	l := &fakeLedger{}
	r := rewardsRouter(l)
	require.Equal(t, http.StatusOK, post(r, "/missions/watch_ads/claim", nil).Code)
	require.Equal(t, "watch_ads", l.mission)
}

type fakeSessions struct {
	id  *models.Identity
	err error
}

func (f *fakeSessions) SignIn(_ context.Context, token string) (*models.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.id = &models.Identity{UserID: token, SessionID: "s"}
	return f.id, nil
}

func (f *fakeSessions) SignOut(context.Context) error {
	f.id = nil
	return nil
}

func (f *fakeSessions) Current() *models.Identity { return f.id }

func (f *fakeSessions) Watch() (<-chan *models.Identity, func()) {
	ch := make(chan *models.Identity, 1)
	ch <- f.id
	return ch, func() {}
}

type fakeState struct{ st models.UserState }

func (f fakeState) Current() models.UserState { return f.st }

func (f fakeState) Watch() (<-chan models.UserState, func()) {
	ch := make(chan models.UserState, 1)
	ch <- f.st
	return ch, func() {}
}

type fakeSettings struct{}

func (fakeSettings) Current() models.AppSettings { return models.AppSettings{} }

func (fakeSettings) TokenAmount(points float64) float64 { return points / 10 }

func userRouter(s Sessions) *gin.Engine {
	h := NewUserHandler(s, fakeState{st: models.UserState{UserID: "u1", Balance: 250}}, fakeSettings{})
	r := gin.New()
	r.POST("/auth/signin", h.SignIn)
	r.POST("/signout", h.SignOut)
	r.GET("/state", h.GetState)
	r.GET("/tokens", h.GetTokens)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestSignInAndOut(t *testing.T) {
	s := &fakeSessions{}
	r := userRouter(s)

	require.Equal(t, http.StatusBadRequest, post(r, "/auth/signin", gin.H{}).Code)
	require.Equal(t, http.StatusOK, post(r, "/auth/signin", gin.H{"token": "u1"}).Code)
	require.Equal(t, "u1", s.Current().UserID)

	require.Equal(t, http.StatusOK, post(r, "/signout", nil).Code)
	require.Nil(t, s.Current())

	s.err = fmt.Errorf("%w: expired", session.ErrInvalidToken)
	require.Equal(t, http.StatusUnauthorized, post(r, "/auth/signin", gin.H{"token": "u1"}).Code)
}

func TestGetTokens(t *testing.T) {
	r := userRouter(&fakeSessions{})

	w := get(r, "/tokens?points=1000")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Points float64 `json:"points"`
		Tokens float64 `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 100.0, body.Tokens)

	w = get(r, "/tokens")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 250.0, body.Points)

	require.Equal(t, http.StatusBadRequest, get(r, "/tokens?points=-1").Code)
}

func TestGetState(t *testing.T) {
	w := get(userRouter(&fakeSessions{}), "/state")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		State models.UserState `json:"state"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 250.0, body.State.Balance)
}
