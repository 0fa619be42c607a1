package credit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-exa/internal/auth"
	"github.com/ovaphlow/pitchfork/service-exa/internal/business"
	"github.com/ovaphlow/pitchfork/service-exa/internal/credit/entity"
	creditrepo "github.com/ovaphlow/pitchfork/service-exa/internal/credit/repo"
	userentity "github.com/ovaphlow/pitchfork/service-exa/internal/user/entity"
)

// ledger is an in-memory Store with the same all-or-nothing semantics as the
// SQL transactions.
type ledger struct {
	mu       sync.Mutex
	known    map[string]bool
	balances map[string]int64
	txs      []entity.Transaction
}

func newLedger(businesses ...string) *ledger {
	l := &ledger{known: map[string]bool{}, balances: map[string]int64{}}
	for _, b := range businesses {
		l.known[b] = true
	}
	return l
}

func (l *ledger) Balance(_ context.Context, businessID string) (*entity.Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &entity.Balance{BusinessID: businessID, Balance: l.balances[businessID]}, nil
}

func (l *ledger) History(_ context.Context, businessID string, limit, offset int) ([]entity.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []entity.Transaction{}
	for i := len(l.txs) - 1; i >= 0; i-- {
		if l.txs[i].BusinessID == businessID {
			out = append(out, l.txs[i])
		}
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (l *ledger) Purchase(_ context.Context, t *entity.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.known[t.BusinessID] {
		return creditrepo.ErrUnknownBusiness
	}
	l.balances[t.BusinessID] += t.Amount
	t.BalanceAfter = l.balances[t.BusinessID]
	l.txs = append(l.txs, *t)
	return nil
}

func (l *ledger) Transfer(_ context.Context, out, in *entity.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[out.BusinessID] < out.Amount {
		return creditrepo.ErrInsufficientBalance
	}
	if !l.known[in.BusinessID] {
		return creditrepo.ErrUnknownBusiness
	}
	l.balances[out.BusinessID] -= out.Amount
	l.balances[in.BusinessID] += in.Amount
	out.BalanceAfter, in.BalanceAfter = l.balances[out.BusinessID], l.balances[in.BusinessID]
	l.txs = append(l.txs, *out, *in)
	return nil
}

// roles maps businessID/userID to a team role.
type roles map[string]string

func (r roles) RoleOf(_ context.Context, businessID, userID string) (string, error) {
	role, ok := r[businessID+"/"+userID]
	if !ok {
		return "", business.ErrNotFound
	}
	return role, nil
}

func newTestService() (*Service, *ledger) {
	l := newLedger("b1", "b2")
	rs := roles{"b1/owner": "owner", "b1/member": "member", "b2/owner2": "owner"}
	return NewService(l, rs, zap.NewNop().Sugar()), l
}

func TestPurchase(t *testing.T) {
	svc, l := newTestService()
	ctx := context.Background()

	tx, err := svc.Purchase(ctx, "owner", "b1", 500, " welcome ")
	require.NoError(t, err)
	assert.Equal(t, entity.KindPurchase, tx.Kind)
	assert.EqualValues(t, 500, tx.BalanceAfter)
	assert.Equal(t, "welcome", tx.Note)
	assert.NotEmpty(t, tx.ID)

	_, err = svc.Purchase(ctx, "member", "b1", 10, "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Purchase(ctx, "stranger", "b1", 10, "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Purchase(ctx, "owner", "", 10, "")
	assert.ErrorIs(t, err, ErrNoBusiness)

	var verr *ValidationError
	for _, amount := range []int64{0, -5, maxAmount + 1} {
		_, err = svc.Purchase(ctx, "owner", "b1", amount, "")
		assert.ErrorAs(t, err, &verr, amount)
	}
	_, err = svc.Purchase(ctx, "owner", "b1", 1, strings.Repeat("n", maxNoteLen+1))
	assert.ErrorAs(t, err, &verr)

	b, err := svc.Balance(ctx, "b1")
	require.NoError(t, err)
	assert.EqualValues(t, 500, b.Balance)
	assert.Len(t, l.txs, 1)
}

func TestTransfer(t *testing.T) {
	svc, l := newTestService()
	ctx := context.Background()
	_, err := svc.Purchase(ctx, "owner", "b1", 100, "")
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, "owner", "b1", "b2", 150, "")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
	assert.EqualValues(t, 100, l.balances["b1"], "failed transfer changes nothing")

	out, err := svc.Transfer(ctx, "owner", "b1", "b2", 40, "split")
	require.NoError(t, err)
	assert.Equal(t, entity.KindTransferOut, out.Kind)
	assert.EqualValues(t, 60, out.BalanceAfter)
	assert.Equal(t, "b2", *out.CounterpartyBusinessID)
	assert.EqualValues(t, 40, l.balances["b2"])

	_, err = svc.Transfer(ctx, "owner", "b1", "b1", 1, "")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
	_, err = svc.Transfer(ctx, "owner", "b1", "nope", 1, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Transfer(ctx, "member", "b1", "b2", 1, "")
	assert.ErrorIs(t, err, ErrForbidden)

	hist, err := svc.History(ctx, "b2", 0, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, entity.KindTransferIn, hist[0].Kind)
}

func TestTransfer_ConcurrentNeverNegative(t *testing.T) {
	svc, l := newTestService()
	ctx := context.Background()
	_, err := svc.Purchase(ctx, "owner", "b1", 10, "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Transfer(ctx, "owner", "b1", "b2", 1, "")
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, l.balances["b1"])
	assert.EqualValues(t, 10, l.balances["b2"])
}

func TestHandler(t *testing.T) {
	svc, _ := newTestService()
	h := NewHandler(svc, zap.NewNop().Sugar())
	p := &auth.Principal{User: &userentity.User{ID: "owner"}, BusinessID: "b1"}

	do := func(fn http.HandlerFunc, method, target, body string, p *auth.Principal) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, strings.NewReader(body))
		if p != nil {
			req = req.WithContext(auth.WithPrincipal(req.Context(), p))
		}
		rr := httptest.NewRecorder()
		fn(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, do(h.Balance, http.MethodGet, "/credit", "", nil).Code)

	rr := do(h.Purchase, http.MethodPost, "/credit/purchase", `{"amount":25}`, p)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(h.Balance, http.MethodGet, "/credit", "", p)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"balance":25`)

	rr = do(h.Transfer, http.MethodPost, "/credit/transfer", `{"toBusinessId":"b2","amount":100}`, p)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "Insufficient credits")

	rr = do(h.Transfer, http.MethodPost, "/credit/transfer", `{"toBusinessId":"b2","amount":5}`, p)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(h.History, http.MethodGet, "/credit/history?limit=1&offset=0", "", p)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), entity.KindTransferOut)
	assert.NotContains(t, rr.Body.String(), entity.KindPurchase)

	rr = do(h.Purchase, http.MethodPost, "/credit/purchase", `{"amount":"lots"}`, p)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
