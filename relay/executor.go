// Package relay submits authorized contract calls with the relayer credential,
// at most once per request key.
package relay

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"gasless-relayer/apperr"
	"gasless-relayer/chain"
	"gasless-relayer/metrics"
	"gasless-relayer/models"
	"gasless-relayer/secrets"
)

// Path is the submission route a call took.
type Path string

const (
	PathSponsored Path = "sponsored"
	PathDirect    Path = "direct"
)

// ErrUnsupportedChain is returned by a Sponsor that cannot serve the target chain.
var ErrUnsupportedChain = errors.New("bundler does not support this chain")

// Call is one contract invocation.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
	// Function names the call in the audit log.
	Function string
}

// Sponsor is the gas-sponsored account-abstraction path.
type Sponsor interface {
	// Submit sends call as a user operation from sender and returns its hash.
	Submit(ctx context.Context, key secrets.KeySource, sender common.Address, call Call) (common.Hash, error)
	// Wait blocks until the user operation lands and returns the transaction hash.
	Wait(ctx context.Context, opHash common.Hash) (common.Hash, error)
}

// Result is what Execute reports for a request key.
type Result struct {
	RequestKey   string
	TxHash       common.Hash
	Status       models.RelayStatus
	Path         Path
	Deduplicated bool
}

// Pending reports whether the transaction was sent but not yet confirmed.
func (r Result) Pending() bool {
	return r.Status == models.RelaySent || r.Status == models.RelayPending
}

type flight struct {
	done chan struct{}
	res  Result
	err  error
}

// Options tune an Executor.
type Options struct {
	DedupWindow    time.Duration
	ConfirmTimeout time.Duration
	Retry          apperr.RetryPolicy
}

// Executor implements the verify, dedup, submit, record sequence.
type Executor struct {
	db        *gorm.DB
	sessions  SessionValidator
	ownership OwnershipVerifier
	sponsor   Sponsor
	submitter chain.Submitter
	keys      secrets.KeySource
	opts      Options

	mu       sync.Mutex
	inflight map[string]*flight

	now    func() time.Time
	logger zerolog.Logger
}

// NewExecutor wires an executor. sponsor may be nil, in which case every call
// goes out as a direct relayer transaction.
func NewExecutor(db *gorm.DB, sessions SessionValidator, ownership OwnershipVerifier, sponsor Sponsor, submitter chain.Submitter, keys secrets.KeySource, opts Options, logger zerolog.Logger) *Executor {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 10 * time.Minute
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = apperr.DefaultRetryPolicy()
	}
	return &Executor{
		db:        db,
		sessions:  sessions,
		ownership: ownership,
		sponsor:   sponsor,
		submitter: submitter,
		keys:      keys,
		opts:      opts,
		inflight:  make(map[string]*flight),
		now:       time.Now,
		logger:    logger.With().Str("component", "relay_executor").Logger(),
	}
}

// WithClock overrides the time source used for the de-duplication window.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute re-verifies proof, then submits call unless a result for the same
// request key exists within the window. Concurrent callers with the same key
// share one submission.
func (e *Executor) Execute(ctx context.Context, proof AuthProof, call Call) (Result, error) {
	owner := proof.Owner()
	if proof.Token() == "" {
		return Result{}, apperr.Validation("missing signature or request id")
	}

	smartAccount, err := proof.verify(ctx, e)
	if err != nil {
		return Result{}, err
	}

	key := RequestKey(owner, proof.Token())

	e.mu.Lock()
	if f, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		select {
		case <-f.done:
			metrics.RelayDedupHits.Inc()
			res := f.res
			res.Deduplicated = true
			return res, f.err
		case <-ctx.Done():
			return Result{RequestKey: key, Status: models.RelayPending}, apperr.Wrap(ctx.Err(), apperr.KindTransient, "gave up waiting for in-flight request")
		}
	}
	f := &flight{done: make(chan struct{})}
	e.inflight[key] = f
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()
		close(f.done)
	}()

	// the submission outlives a disconnected client
	f.res, f.err = e.execute(context.WithoutCancel(ctx), key, owner, smartAccount, proof, call)
	return f.res, f.err
}

func (e *Executor) execute(ctx context.Context, key string, owner, smartAccount common.Address, proof AuthProof, call Call) (Result, error) {
	log := e.logger.With().
		Str("request_key", key).
		Str("wallet", owner.Hex()).
		Str("smart_account", smartAccount.Hex()).
		Str("function", call.Function).
		Logger()

	if row, hit := e.cached(ctx, key); hit {
		metrics.RelayDedupHits.Inc()
		log.Info().Str("tx_hash", row.TxHash).Msg("duplicate relay request answered from ledger")
		return resultFromRow(row)
	}

	row := models.RelayTransaction{
		RequestKey:   key,
		OwnerWallet:  lower(owner),
		SmartAccount: lowerOrEmpty(smartAccount),
		Target:       lower(call.To),
		Status:       models.RelayPending,
		Meta:         meta(call),
	}
	if sp, ok := proof.(SessionProof); ok {
		row.SessionKey = sp.PublicKey
	}
	if err := e.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// another instance owns this key
			return Result{RequestKey: key, Status: models.RelayPending, Deduplicated: true}, nil
		}
		return Result{}, apperr.Wrap(err, apperr.KindInternal, "record relay request")
	}

	res, err := e.submit(ctx, log, smartAccount, call)
	res.RequestKey = key
	e.record(ctx, log, &row, res, err)

	if err != nil {
		metrics.RelaySubmissions.WithLabelValues(string(res.Path), string(models.RelayFailed)).Inc()
		log.Error().Err(err).Str("path", string(res.Path)).Msg("relay failed")
		return res, err
	}
	metrics.RelaySubmissions.WithLabelValues(string(res.Path), string(res.Status)).Inc()
	log.Info().
		Str("tx_hash", res.TxHash.Hex()).
		Str("path", string(res.Path)).
		Str("status", string(res.Status)).
		Msg("relay audit")
	return res, nil
}

func (e *Executor) submit(ctx context.Context, log zerolog.Logger, smartAccount common.Address, call Call) (Result, error) {
	if e.sponsor != nil && smartAccount != (common.Address{}) {
		res, err := e.sponsored(ctx, smartAccount, call)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrUnsupportedChain) && !apperr.Is(err, apperr.KindAmbiguous) {
			return res, err
		}
		log.Warn().Err(err).Msg("sponsored path unavailable, falling back to direct relayer transaction")
	}
	return e.direct(ctx, call)
}

func (e *Executor) sponsored(ctx context.Context, sender common.Address, call Call) (Result, error) {
	res := Result{Path: PathSponsored}
	opHash, err := e.sponsor.Submit(ctx, e.keys, sender, call)
	if err != nil {
		return res, err
	}
	res.Status = models.RelaySent

	waitCtx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()
	txHash, err := e.sponsor.Wait(waitCtx, opHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// the operation hash is all we have until the bundler includes it
			res.TxHash = opHash
			return res, nil
		}
		res.Status = models.RelayFailed
		return res, err
	}
	res.TxHash = txHash
	res.Status = models.RelayConfirmed
	return res, nil
}

func (e *Executor) direct(ctx context.Context, call Call) (Result, error) {
	res := Result{Path: PathDirect}

	if e.keys == nil {
		return res, apperr.Config("missing credentials")
	}
	key, err := loadKey(ctx, e.opts.Retry, e.keys)
	if err != nil {
		return res, err
	}

	hash, err := e.submitter.SendTransaction(ctx, key, call.To, call.Value, call.Data)
	if err != nil {
		if apperr.Is(err, apperr.KindAmbiguous) {
			res.Status = models.RelayAmbiguous
		}
		return res, err
	}
	res.TxHash = hash
	res.Status = models.RelaySent

	waitCtx, cancel := context.WithTimeout(ctx, e.opts.ConfirmTimeout)
	defer cancel()
	if _, err := e.submitter.WaitMined(waitCtx, hash); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return res, nil
		}
		res.Status = models.RelayFailed
		return res, err
	}
	res.Status = models.RelayConfirmed
	return res, nil
}

// cached returns the ledger row for key within the window. A row outside the
// window is dropped so the key can be reused.
func (e *Executor) cached(ctx context.Context, key string) (*models.RelayTransaction, bool) {
	var row models.RelayTransaction
	err := e.db.WithContext(ctx).Where("request_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("request_key", key).Msg("ledger lookup failed")
		return nil, false
	}
	if e.now().Sub(row.CreatedAt) > e.opts.DedupWindow {
		e.db.WithContext(ctx).Delete(&row)
		return nil, false
	}
	return &row, true
}

func resultFromRow(row *models.RelayTransaction) (Result, error) {
	res := Result{
		RequestKey:   row.RequestKey,
		Status:       row.Status,
		Path:         Path(row.Path),
		Deduplicated: true,
	}
	if row.TxHash != "" {
		res.TxHash = common.HexToHash(row.TxHash)
	}
	if row.ErrorKind != "" {
		return res, apperr.New(apperr.Kind(row.ErrorKind), row.ErrorMsg)
	}
	return res, nil
}

// record writes the final outcome. Retryable failures that never reached the
// chain release the key instead of pinning the error for the whole window.
func (e *Executor) record(ctx context.Context, log zerolog.Logger, row *models.RelayTransaction, res Result, err error) {
	if err != nil && res.TxHash == (common.Hash{}) && res.Status != models.RelayAmbiguous && apperr.IsRetryable(err) {
		if derr := e.db.WithContext(ctx).Delete(row).Error; derr != nil {
			log.Warn().Err(derr).Msg("failed to release relay request key")
		}
		return
	}

	row.Path = string(res.Path)
	row.Status = res.Status
	if res.TxHash != (common.Hash{}) {
		row.TxHash = res.TxHash.Hex()
	}
	if err != nil {
		if row.Status == "" || row.Status == models.RelayPending {
			row.Status = models.RelayFailed
		}
		row.ErrorKind = string(apperr.KindOf(err))
		row.ErrorMsg = err.Error()
		if ae, ok := apperr.As(err); ok {
			row.ErrorMsg = ae.Message
		}
	}
	if serr := e.db.WithContext(ctx).Save(row).Error; serr != nil {
		log.Error().Err(serr).Msg("failed to record relay result")
	}
}

// Lookup returns the ledger row for a request key.
func (e *Executor) Lookup(ctx context.Context, key string) (*models.RelayTransaction, error) {
	var row models.RelayTransaction
	err := e.db.WithContext(ctx).Where("request_key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("no relay request %s", key)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "ledger lookup")
	}
	return &row, nil
}

// PurgeLedger deletes rows older than the de-duplication window.
func (e *Executor) PurgeLedger(ctx context.Context) (int64, error) {
	cutoff := e.now().Add(-e.opts.DedupWindow)
	tx := e.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.RelayTransaction{})
	return tx.RowsAffected, tx.Error
}

func loadKey(ctx context.Context, policy apperr.RetryPolicy, src secrets.KeySource) (*ecdsa.PrivateKey, error) {
	var key *ecdsa.PrivateKey
	err := policy.Do(ctx, func(ctx context.Context) error {
		k, err := src.RelayerKey(ctx)
		if err != nil {
			return err
		}
		key = k
		return nil
	})
	return key, err
}

func meta(call Call) datatypes.JSON {
	raw, _ := json.Marshal(map[string]any{
		"function": call.Function,
		"dataLen":  len(call.Data),
	})
	return datatypes.JSON(raw)
}

func lower(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func lowerOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return lower(a)
}
