package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/x402-facilitator/service/assets"
	"github.com/brojonat/x402-facilitator/service/metrics"
	"github.com/brojonat/x402-facilitator/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	DefaultConfirmTimeout = 30 * time.Second

	explorerTxURL = "https://solscan.io/tx/%s"
)

// ExplorerURL links a signature on the public explorer.
func ExplorerURL(signature string) string {
	return fmt.Sprintf(explorerTxURL, signature)
}

// Settler broadcasts co-signed transactions and tracks their confirmation.
type Settler struct {
	wallet         *Wallet
	chain          ChainClient
	creator        *Creator
	ledger         *FeeLedger
	recorder       Recorder
	publisher      EventPublisher
	retrier        PayoutRetrier
	confirmTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// SettlementResult is the outcome of Submit and SettleWithMerchantPayout.
type SettlementResult struct {
	Signature      string        `json:"signature"`
	Network        string        `json:"network"`
	Confirmed      bool          `json:"confirmed"`
	Unresolved     bool          `json:"unresolved"`
	Note           string        `json:"note,omitempty"`
	NetworkFee     uint64        `json:"network_fee"`
	Slot           uint64        `json:"slot"`
	ExplorerURL    string        `json:"explorer_url"`
	Payer          string        `json:"payer,omitempty"`
	Amount         uint64        `json:"amount,omitempty"`
	Asset          string        `json:"asset,omitempty"`
	Duplicate      bool          `json:"duplicate,omitempty"`
	MerchantPayout *PayoutResult `json:"merchant_payout,omitempty"`
}

// PayoutResult describes the merchant leg of a settlement.
type PayoutResult struct {
	Merchant       string `json:"merchant"`
	Amount         uint64 `json:"amount"`
	Asset          string `json:"asset"`
	Signature      string `json:"signature,omitempty"`
	Confirmed      bool   `json:"confirmed"`
	Unresolved     bool   `json:"unresolved,omitempty"`
	Error          string `json:"error,omitempty"`
	Reason         string `json:"reason,omitempty"`
	RetryScheduled bool   `json:"retry_scheduled"`
}

// SettlerOption customizes a Settler.
type SettlerOption func(*Settler)

// WithRecorder persists every settlement and enables the duplicate check.
func WithRecorder(r Recorder) SettlerOption {
	return func(s *Settler) { s.recorder = r }
}

// WithPublisher announces settlement and payout outcomes.
func WithPublisher(p EventPublisher) SettlerOption {
	return func(s *Settler) { s.publisher = p }
}

// WithRetrier schedules failed or deferred merchant payouts.
func WithRetrier(r PayoutRetrier) SettlerOption {
	return func(s *Settler) { s.retrier = r }
}

// WithConfirmTimeout bounds how long Submit waits for confirmation.
func WithConfirmTimeout(d time.Duration) SettlerOption {
	return func(s *Settler) {
		if d > 0 {
			s.confirmTimeout = d
		}
	}
}

// WithSettlerMetrics records settlement metrics.
func WithSettlerMetrics(m *metrics.Metrics) SettlerOption {
	return func(s *Settler) { s.metrics = m }
}

// WithSettlerLogger sets the logger.
func WithSettlerLogger(l *slog.Logger) SettlerOption {
	return func(s *Settler) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSettler wires a settler for the chain client's network. The ledger is shared
// by every settler in the process.
func NewSettler(w *Wallet, chain ChainClient, creator *Creator, ledger *FeeLedger, opts ...SettlerOption) *Settler {
	s := &Settler{
		wallet:         w,
		chain:          chain,
		creator:        creator,
		ledger:         ledger,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("network", chain.Network())
	return s
}

// Network returns the network this settler submits to.
func (s *Settler) Network() string {
	return s.chain.Network()
}

// Submit broadcasts a fully-signed transaction and waits for confirmation.
//
// A confirmation deadline yields Confirmed and Unresolved together: the transaction
// was accepted by the RPC node and most likely lands, so the fee is booked.
// Cancelling ctx stops only the wait and yields Unresolved without Confirmed.
func (s *Settler) Submit(ctx context.Context, raw []byte) (*SettlementResult, error) {
	start := time.Now()
	result, err := s.submit(ctx, raw)
	if s.metrics != nil {
		s.metrics.RecordSettlement(s.chain.Network(), settlementStatus(result, err), time.Since(start).Seconds())
	}
	return result, err
}

func settlementStatus(result *SettlementResult, err error) string {
	switch {
	case err != nil:
		return StatusFailed
	case result.Duplicate:
		return "duplicate"
	case result.Unresolved:
		return StatusUnresolved
	default:
		return StatusConfirmed
	}
}

func (s *Settler) submit(ctx context.Context, raw []byte) (*SettlementResult, error) {
	if !s.wallet.Enabled() {
		return nil, ErrFacilitationDisabled
	}

	tx, err := DecodeTransaction(raw)
	if err != nil {
		return nil, wrapError(KindStructural, ReasonMalformedTransaction, err, "cannot decode transaction")
	}
	if FilledSignatures(tx) < 2 {
		return nil, ErrInsufficientSignatures
	}
	if feePayer, ok := FeePayer(tx); !ok || !feePayer.Equals(s.wallet.PublicKey()) {
		return nil, ErrInvalidFeePayer
	}
	if err := s.wallet.CanProcessPayments(ctx, s.chain); err != nil {
		return nil, err
	}

	if prior := s.findConfirmed(ctx, tx); prior != nil {
		s.logger.InfoContext(ctx, "duplicate settlement, returning prior result", "signature", prior.Signature)
		return &SettlementResult{
			Signature:   prior.Signature,
			Network:     prior.Network,
			Confirmed:   true,
			NetworkFee:  prior.NetworkFee,
			Slot:        prior.Slot,
			ExplorerURL: ExplorerURL(prior.Signature),
			Payer:       prior.Payer,
			Amount:      prior.Amount,
			Asset:       prior.Asset,
			Duplicate:   true,
		}, nil
	}

	summary := s.summarize(tx)

	sig, err := s.chain.SubmitRaw(ctx, raw, true)
	if err != nil {
		return nil, networkError(err, "failed to submit transaction")
	}

	result := &SettlementResult{
		Signature:   sig.String(),
		Network:     s.chain.Network(),
		ExplorerURL: ExplorerURL(sig.String()),
		Payer:       summary.payer,
		Amount:      summary.amount,
		Asset:       summary.asset,
	}

	conf, err := s.chain.Confirm(ctx, sig, s.confirmTimeout)
	if conf != nil {
		result.Slot = conf.Slot
	}

	// Reporting must survive a cancelled request.
	reportCtx := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, solana.ErrTransactionFailed):
		s.logger.ErrorContext(ctx, "transaction failed on chain", "signature", result.Signature, "error", err)
		s.report(reportCtx, result, StatusFailed)
		return nil, wrapError(KindStructural, ReasonTransactionFailed, err, "transaction %s failed on chain", result.Signature)

	case err != nil:
		result.Unresolved = true
		result.Note = fmt.Sprintf("Stopped waiting for confirmation (%v). The transaction was submitted; check %s", err, result.ExplorerURL)
		s.logger.WarnContext(ctx, "confirmation wait interrupted", "signature", result.Signature, "error", err)
		s.report(reportCtx, result, StatusUnresolved)
		return result, nil

	case conf.TimedOut:
		result.Confirmed = true
		result.Unresolved = true
		result.Note = fmt.Sprintf("Transaction submitted but confirmation timed out after %s. Check %s", s.confirmTimeout, result.ExplorerURL)
		s.logger.WarnContext(ctx, "settlement unresolved", "signature", result.Signature, "timeout", s.confirmTimeout)

	default:
		result.Confirmed = true
	}

	result.NetworkFee = StandardFeeLamports
	s.ledger.Record(StandardFeeLamports)
	if s.metrics != nil {
		s.metrics.RecordNetworkFee(s.chain.Network(), StandardFeeLamports)
	}

	status := StatusConfirmed
	if result.Unresolved {
		status = StatusUnresolved
	}
	s.report(reportCtx, result, status)

	s.logger.InfoContext(ctx, "settlement complete",
		"signature", result.Signature,
		"slot", result.Slot,
		"unresolved", result.Unresolved,
		"payer", result.Payer,
		"amount", result.Amount,
		"asset", result.Asset,
	)
	return result, nil
}

// findConfirmed returns a prior confirmed settlement of tx, if the recorder has one.
func (s *Settler) findConfirmed(ctx context.Context, tx *solanago.Transaction) *SettlementRecord {
	if s.recorder == nil {
		return nil
	}
	sig, ok := TransactionSignature(tx)
	if !ok {
		return nil
	}
	prior, err := s.recorder.FindSettlement(ctx, sig.String())
	if err != nil {
		s.logger.WarnContext(ctx, "duplicate check failed, submitting anyway", "signature", sig.String(), "error", err)
		return nil
	}
	if prior == nil || prior.Status != StatusConfirmed {
		return nil
	}
	return prior
}

type transferSummary struct {
	payer  string
	amount uint64
	asset  string
}

// summarize describes the first transfer the payer signs, for records and payout inference.
func (s *Settler) summarize(tx *solanago.Transaction) transferSummary {
	var out transferSummary
	if payer, ok := SignerAt(tx, 1); ok {
		out.payer = payer.String()
	}
	transfers, err := solana.ParseTransfers(tx)
	if err != nil {
		return out
	}
	for _, t := range transfers {
		if t.Authority.Equals(s.wallet.PublicKey()) {
			continue
		}
		out.amount = t.Amount
		switch {
		case t.Native():
			out.asset = assets.SymbolSOL
		case t.Checked:
			if asset, err := s.creator.Registry().ByMint(t.Mint.String()); err == nil {
				out.asset = asset.Symbol
			} else {
				out.asset = t.Mint.String()
			}
		}
		break
	}
	return out
}

// report records and publishes a settlement. Failures are logged only.
func (s *Settler) report(ctx context.Context, result *SettlementResult, status string) {
	rec := SettlementRecord{
		Signature:  result.Signature,
		Network:    result.Network,
		Payer:      result.Payer,
		Amount:     result.Amount,
		Asset:      result.Asset,
		Status:     status,
		Slot:       result.Slot,
		NetworkFee: result.NetworkFee,
	}
	if result.MerchantPayout != nil {
		rec.Merchant = result.MerchantPayout.Merchant
		rec.MerchantAmount = result.MerchantPayout.Amount
	}

	if s.recorder != nil {
		if err := s.recorder.RecordSettlement(ctx, rec); err != nil {
			s.logger.ErrorContext(ctx, "failed to record settlement", "signature", rec.Signature, "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishSettlement(ctx, rec); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish settlement", "signature", rec.Signature, "error", err)
		}
	}
}

// SettleWithMerchantPayout settles the user transaction, then pays merchantAmount to
// merchant in a separate transaction. The payout never fails the settlement: its
// outcome is reported in MerchantPayout. An empty asset is inferred from the user
// transaction; a transfer whose asset cannot be identified is not paid out.
func (s *Settler) SettleWithMerchantPayout(ctx context.Context, raw []byte, merchant string, merchantAmount uint64, asset string) (*SettlementResult, error) {
	merchantKey, err := parseAddress("merchant", merchant)
	if err != nil {
		return nil, err
	}
	if merchantAmount == 0 {
		return nil, newError(KindValidation, ReasonInvalidAmount, "merchant amount must be positive")
	}
	if asset != "" {
		if _, err := s.creator.resolveAsset(asset); err != nil {
			return nil, err
		}
	}

	result, err := s.Submit(ctx, raw)
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		return result, nil
	}

	if asset == "" {
		asset = result.Asset
	}
	payout := &PayoutResult{
		Merchant: merchantKey.String(),
		Amount:   merchantAmount,
		Asset:    asset,
	}
	result.MerchantPayout = payout

	switch {
	case !s.payableAsset(asset):
		payout.Reason = ReasonUnsupportedAsset
		payout.Error = fmt.Sprintf("cannot pay out: asset %q of the user transfer is not supported; pass the asset explicitly", asset)
		s.logger.WarnContext(ctx, "merchant payout skipped",
			"user_signature", result.Signature,
			"asset", asset,
		)
	case result.Unresolved:
		payout.Reason = ReasonSettlementUnresolved
		payout.Error = "user payment is unresolved; payout deferred until it confirms"
		s.scheduleRetry(ctx, result, payout, nil)
	default:
		s.payInline(ctx, result, payout)
	}

	s.reportPayout(context.WithoutCancel(ctx), result, payout)
	return result, nil
}

func (s *Settler) payableAsset(identifier string) bool {
	if identifier == "" {
		return false
	}
	_, err := s.creator.resolveAsset(identifier)
	return err == nil
}

// payInline pays the merchant right after a confirmed settlement. Failures before
// the broadcast schedule a fresh payout; a failed broadcast schedules only a resend
// of the same signed transaction.
func (s *Settler) payInline(ctx context.Context, result *SettlementResult, payout *PayoutResult) {
	prepared, err := s.PreparePayout(ctx, payout.Merchant, payout.Amount, payout.Asset)
	if err != nil {
		s.payoutFailed(ctx, result, payout, err)
		s.scheduleRetry(ctx, result, payout, nil)
		return
	}

	paid, err := s.SendPayout(ctx, prepared)
	payout.Signature = prepared.Signature
	switch {
	case errors.Is(err, ErrPayoutUnresolved):
		payout.Unresolved = true
		s.payoutFailed(ctx, result, payout, err)
		s.scheduleRetry(ctx, result, payout, prepared)
	case err != nil:
		s.payoutFailed(ctx, result, payout, err)
		s.scheduleRetry(ctx, result, payout, nil)
	default:
		payout.Confirmed = paid.Confirmed
		payout.Unresolved = paid.Unresolved
	}
}

func (s *Settler) payoutFailed(ctx context.Context, result *SettlementResult, payout *PayoutResult, err error) {
	payout.Reason = ReasonOf(err)
	if payout.Reason == "" {
		payout.Reason = ReasonNetworkError
	}
	payout.Error = messageOf(err)
	s.logger.ErrorContext(ctx, "merchant payout failed",
		"user_signature", result.Signature,
		"merchant", payout.Merchant,
		"payout_signature", payout.Signature,
		"error", err,
	)
}

func (s *Settler) scheduleRetry(ctx context.Context, result *SettlementResult, payout *PayoutResult, prepared *PreparedPayout) {
	if s.retrier == nil {
		return
	}
	err := s.retrier.SchedulePayoutRetry(ctx, PayoutRequest{
		Network:       result.Network,
		UserSignature: result.Signature,
		Merchant:      payout.Merchant,
		Amount:        payout.Amount,
		Asset:         payout.Asset,
		Prepared:      prepared,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to schedule payout retry",
			"user_signature", result.Signature,
			"error", err,
		)
		return
	}
	payout.RetryScheduled = true
	s.observePayout("scheduled")
}

func (s *Settler) observePayout(status string) {
	if s.metrics != nil {
		s.metrics.RecordMerchantPayout(s.chain.Network(), status)
	}
}

func (s *Settler) reportPayout(ctx context.Context, result *SettlementResult, payout *PayoutResult) {
	rec := PayoutRecord{
		UserSignature:  result.Signature,
		Network:        result.Network,
		Merchant:       payout.Merchant,
		Amount:         payout.Amount,
		Asset:          payout.Asset,
		Signature:      payout.Signature,
		Error:          payout.Error,
		RetryScheduled: payout.RetryScheduled,
		Timestamp:      time.Now(),
	}
	s.RecordPayout(ctx, rec)
}

// RecordPayout stores and publishes a payout outcome. Failures are logged only.
func (s *Settler) RecordPayout(ctx context.Context, rec PayoutRecord) {
	if s.recorder != nil {
		if err := s.recorder.RecordPayout(ctx, rec); err != nil {
			s.logger.ErrorContext(ctx, "failed to record payout", "user_signature", rec.UserSignature, "error", err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishPayout(ctx, rec); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish payout", "user_signature", rec.UserSignature, "error", err)
		}
	}
}

// PreparedPayout is a signed merchant payout. Sending Transaction any number of
// times moves funds at most once, under Signature.
type PreparedPayout struct {
	Merchant    string `json:"merchant"`
	Amount      uint64 `json:"amount"`
	Asset       string `json:"asset"`
	Signature   string `json:"signature"`
	Transaction []byte `json:"transaction"`
}

// PayMerchant prepares and sends a payout from the facilitator. See SendPayout for
// the unresolved cases.
func (s *Settler) PayMerchant(ctx context.Context, merchant string, amount uint64, asset string) (*PayoutResult, error) {
	prepared, err := s.PreparePayout(ctx, merchant, amount, asset)
	if err != nil {
		return nil, err
	}
	return s.SendPayout(ctx, prepared)
}

// PreparePayout validates, builds and signs a payout without broadcasting it.
func (s *Settler) PreparePayout(ctx context.Context, merchant string, amount uint64, identifier string) (*PreparedPayout, error) {
	prepared, err := s.preparePayout(ctx, merchant, amount, identifier)
	if err != nil {
		s.observePayout("failed")
	}
	return prepared, err
}

func (s *Settler) preparePayout(ctx context.Context, merchant string, amount uint64, identifier string) (*PreparedPayout, error) {
	if !s.wallet.Enabled() {
		return nil, ErrFacilitationDisabled
	}
	merchantKey, err := parseAddress("merchant", merchant)
	if err != nil {
		return nil, err
	}
	asset, err := s.creator.resolveAsset(identifier)
	if err != nil {
		return nil, err
	}
	if err := s.wallet.CanProcessPayments(ctx, s.chain); err != nil {
		return nil, err
	}

	tx, err := s.creator.CreateMerchantPayout(ctx, merchantKey, amount, asset)
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, wrapError(KindStructural, ReasonMalformedTransaction, err, "failed to serialize payout")
	}
	sig, ok := TransactionSignature(tx)
	if !ok {
		return nil, newError(KindStructural, ReasonInsufficientSignatures, "payout is not signed")
	}

	return &PreparedPayout{
		Merchant:    merchantKey.String(),
		Amount:      amount,
		Asset:       asset.Symbol,
		Signature:   sig.String(),
		Transaction: raw,
	}, nil
}

// SendPayout broadcasts a prepared payout and waits for confirmation.
//
// A failed broadcast returns ErrPayoutUnresolved together with a result carrying the
// signature: the node may have accepted the transaction. A confirmation deadline
// returns the result with Unresolved set. In both cases only the same prepared
// transaction may be sent again.
func (s *Settler) SendPayout(ctx context.Context, p *PreparedPayout) (*PayoutResult, error) {
	result, err := s.sendPayout(ctx, p)
	switch {
	case errors.Is(err, ErrPayoutUnresolved):
		s.observePayout(StatusUnresolved)
	case err != nil:
		s.observePayout("failed")
	case result.Unresolved:
		s.observePayout(StatusUnresolved)
	default:
		s.observePayout("paid")
	}
	return result, err
}

func (s *Settler) sendPayout(ctx context.Context, p *PreparedPayout) (*PayoutResult, error) {
	if !s.wallet.Enabled() {
		return nil, ErrFacilitationDisabled
	}
	result := &PayoutResult{
		Merchant:  p.Merchant,
		Amount:    p.Amount,
		Asset:     p.Asset,
		Signature: p.Signature,
	}

	sig, err := s.chain.SubmitRaw(ctx, p.Transaction, true)
	if err != nil {
		result.Unresolved = true
		s.logger.WarnContext(ctx, "payout broadcast failed, outcome unknown", "signature", p.Signature, "error", err)
		return result, wrapError(KindNetwork, ReasonPayoutUnresolved, err, "payout %s was signed but its broadcast failed; it may still land", p.Signature)
	}

	conf, err := s.chain.Confirm(ctx, sig, s.confirmTimeout)
	switch {
	case errors.Is(err, solana.ErrTransactionFailed):
		return result, wrapError(KindStructural, ReasonTransactionFailed, err, "payout %s failed on chain", sig)
	case err != nil || conf.TimedOut:
		result.Unresolved = true
		s.logger.WarnContext(ctx, "payout confirmation unresolved", "signature", result.Signature)
	default:
		result.Confirmed = true
	}
	if s.metrics != nil {
		s.metrics.RecordNetworkFee(s.chain.Network(), StandardFeeLamports)
	}

	s.logger.InfoContext(ctx, "merchant paid",
		"signature", result.Signature,
		"merchant", result.Merchant,
		"amount", result.Amount,
		"asset", result.Asset,
		"confirmed", result.Confirmed,
	)
	return result, nil
}

// GetFeeStats returns the shared ledger snapshot.
func (s *Settler) GetFeeStats() FeeStats {
	return s.ledger.Snapshot()
}
