// Package payments verifies on-chain payments and credits the matching
// membership time. Verification is read-only against the chain; the
// resulting ledger change and the payment record commit in a single
// durable transaction keyed by (subject, tx hash), so resubmitting a
// hash can never double-credit.
package payments

import (
	"context"
	stderrors "errors"
	"math"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/crashsignal/portal/internal/chain"
	"github.com/crashsignal/portal/internal/config"
	"github.com/crashsignal/portal/internal/domain/member"
	"github.com/crashsignal/portal/internal/errors"
	"github.com/crashsignal/portal/internal/storage"
	"github.com/crashsignal/portal/pkg/logger"
)

// monthMinutes is the duration one month of membership buys.
const monthMinutes = 30 * 24 * 60

var txHashPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// ChainReader is the chain access the verifier needs.
type ChainReader interface {
	TransactionByHash(ctx context.Context, hash string) (*chain.Transaction, error)
	TransactionReceipt(ctx context.Context, hash string) (*chain.Receipt, error)
}

// PriceSource supplies spot USD prices by CoinGecko asset ID.
type PriceSource interface {
	SpotUSD(ctx context.Context, assetID string) (float64, error)
}

// Network binds a chain reader to its payment configuration.
type Network struct {
	Reader ChainReader
	Config config.ChainConfig
}

// Service verifies payments and applies the resulting credits.
type Service struct {
	store    storage.MemberStore
	config   storage.ConfigStore
	networks map[string]Network
	prices   PriceSource
	pricing  config.MembershipConfig
	log      *logger.Logger

	now func() time.Time
}

// New creates a payment verification service. config may be nil when no
// operator pricing overrides are stored.
func New(store storage.MemberStore, cfgStore storage.ConfigStore, networks map[string]Network, prices PriceSource, pricing config.MembershipConfig, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	return &Service{
		store:    store,
		config:   cfgStore,
		networks: networks,
		prices:   prices,
		pricing:  pricing,
		log:      log,
		now:      time.Now,
	}
}

// VerifyRequest identifies one claimed payment.
type VerifyRequest struct {
	SubjectID string `json:"-"`
	Plan      string `json:"plan"`
	Network   string `json:"network"`
	TxHash    string `json:"tx_hash"`
}

// VerifyResult reports a credited (or previously credited) payment.
type VerifyResult struct {
	Status    string      `json:"status"`
	Plan      member.Tier `json:"plan"`
	Tier      member.Tier `json:"tier"`
	ExpiresAt time.Time   `json:"expires_at"`
	Minutes   int         `json:"minutes"`
	AmountUSD float64     `json:"amount_usd"`
	Upgraded  bool        `json:"upgraded"`
}

const (
	statusCredited         = "credited"
	statusAlreadyProcessed = "already_processed"
)

// Verify checks a claimed payment against its chain and, when valid,
// credits the purchased time. All input validation happens before any
// network call.
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	if req.SubjectID == "" {
		return VerifyResult{}, errors.InvalidSubject()
	}
	plan := member.Tier(strings.ToLower(strings.TrimSpace(req.Plan)))
	if plan != member.TierPro && plan != member.TierUltra {
		return VerifyResult{}, errors.InvalidPlan(req.Plan)
	}
	networkName := strings.ToLower(strings.TrimSpace(req.Network))
	network, ok := s.networks[networkName]
	if !ok {
		return VerifyResult{}, errors.UnsupportedNetwork(req.Network)
	}
	txHash := strings.TrimSpace(req.TxHash)
	if !txHashPattern.MatchString(txHash) {
		return VerifyResult{}, errors.InvalidTxHash()
	}
	txHash = strings.ToLower(txHash)

	// Fast path for resubmissions. The durable (subject, hash) key
	// still arbitrates a concurrent race at commit time.
	if seen, err := s.store.HasPayment(ctx, req.SubjectID, txHash); err != nil {
		return VerifyResult{}, errors.StoreFailure(err)
	} else if seen {
		return s.alreadyProcessed(ctx, req.SubjectID, plan)
	}

	payment, err := s.inspect(ctx, network, networkName, txHash)
	if err != nil {
		return VerifyResult{}, err
	}

	monthUSD, err := s.monthPrice(ctx, plan)
	if err != nil {
		return VerifyResult{}, err
	}
	// Tolerance only relaxes acceptance; proration always runs against
	// the full monthly price, so a full-price payment buys exactly one
	// month and a tolerated shortfall buys slightly less.
	if payment.AmountUSD < monthUSD-s.pricing.ToleranceUSD {
		return VerifyResult{}, errors.AmountInsufficient(payment.AmountUSD, monthUSD)
	}

	minutes := int(math.Floor(float64(monthMinutes) * payment.AmountUSD / monthUSD))
	if minutes <= 0 {
		return VerifyResult{}, errors.InvalidDuration()
	}

	currentTier := member.TierBasic
	if rec, err := s.store.GetMember(ctx, req.SubjectID); err == nil {
		currentTier = member.ResolveTier(rec, s.now())
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return VerifyResult{}, errors.StoreFailure(err)
	}
	isUpgrade := plan.Rank() > currentTier.Rank()

	payment.SubjectID = req.SubjectID
	payment.Plan = plan
	payment.Network = networkName
	payment.TxHash = txHash

	rec, processed, err := s.store.CreditPayment(ctx, payment, minutes, isUpgrade, s.now())
	if err != nil {
		return VerifyResult{}, errors.StoreFailure(err)
	}
	if processed {
		return s.alreadyProcessed(ctx, req.SubjectID, plan)
	}

	s.log.WithFields(map[string]interface{}{
		"subject_id": req.SubjectID,
		"plan":       plan,
		"network":    networkName,
		"tx_hash":    txHash,
		"amount_usd": payment.AmountUSD,
		"minutes":    minutes,
		"upgrade":    isUpgrade,
	}).Info("payment credited")

	return VerifyResult{
		Status:    statusCredited,
		Plan:      plan,
		Tier:      rec.Tier,
		ExpiresAt: rec.ExpiresAt,
		Minutes:   minutes,
		AmountUSD: payment.AmountUSD,
		Upgraded:  isUpgrade,
	}, nil
}

func (s *Service) alreadyProcessed(ctx context.Context, subjectID string, plan member.Tier) (VerifyResult, error) {
	result := VerifyResult{Status: statusAlreadyProcessed, Plan: plan}
	rec, err := s.store.GetMember(ctx, subjectID)
	if err == nil {
		result.Tier = member.ResolveTier(rec, s.now())
		result.ExpiresAt = rec.ExpiresAt
	} else if !stderrors.Is(err, storage.ErrNotFound) {
		return VerifyResult{}, errors.StoreFailure(err)
	}
	return result, nil
}

// inspect fetches the transaction and its receipt and classifies the
// transfer, returning a payment valued in USD.
func (s *Service) inspect(ctx context.Context, network Network, networkName, txHash string) (member.Payment, error) {
	tx, err := network.Reader.TransactionByHash(ctx, txHash)
	if err != nil {
		return member.Payment{}, errors.Upstream("eth_getTransactionByHash", err)
	}
	if tx == nil {
		return member.Payment{}, errors.TxNotFound(txHash)
	}
	if tx.Pending() {
		return member.Payment{}, errors.TxPending()
	}

	receipt, err := network.Reader.TransactionReceipt(ctx, txHash)
	if err != nil {
		return member.Payment{}, errors.Upstream("eth_getTransactionReceipt", err)
	}
	if receipt == nil {
		return member.Payment{}, errors.TxPending()
	}
	if !receipt.Succeeded() {
		return member.Payment{}, errors.TxFailed()
	}

	receiving := network.Config.ReceivingAddress

	// Native transfer straight to the receiving address.
	if chain.EqualAddress(tx.To, receiving) {
		value, err := chain.ParseHexBig(tx.Value)
		if err != nil {
			return member.Payment{}, errors.Upstream("parse value", err)
		}
		if value.Sign() > 0 {
			amount := weiToUnit(value, 18)
			price, err := s.prices.SpotUSD(ctx, network.Config.PriceID)
			if err != nil {
				return member.Payment{}, err
			}
			return member.Payment{
				Sender:      strings.ToLower(tx.From),
				Receiver:    strings.ToLower(tx.To),
				TokenSymbol: network.Config.NativeSymbol,
				Amount:      amount,
				AmountUSD:   amount * price,
				PriceUSD:    price,
			}, nil
		}
	}

	// Otherwise look for an allow-listed stablecoin Transfer into the
	// receiving address. Stablecoins are valued at par.
	for _, entry := range receipt.Logs {
		symbol, token, ok := s.matchStablecoin(network.Config, entry.Address)
		if !ok {
			continue
		}
		if len(entry.Topics) < 3 || !strings.EqualFold(entry.Topics[0], chain.TransferTopic) {
			continue
		}
		if !chain.EqualAddress(chain.AddressFromTopic(entry.Topics[2]), receiving) {
			continue
		}
		raw, err := chain.ParseHexBig(entry.Data)
		if err != nil || raw.Sign() <= 0 {
			continue
		}
		amount := weiToUnit(raw, token.Decimals)
		return member.Payment{
			Sender:       strings.ToLower(tx.From),
			Receiver:     strings.ToLower(receiving),
			TokenSymbol:  symbol,
			TokenAddress: strings.ToLower(token.Address),
			Amount:       amount,
			AmountUSD:    amount,
			PriceUSD:     1,
		}, nil
	}

	return member.Payment{}, errors.InvalidReceiver(receiving, tx.To)
}

func (s *Service) matchStablecoin(cfg config.ChainConfig, contract string) (string, config.StablecoinConfig, bool) {
	for symbol, token := range cfg.Stablecoins {
		if chain.EqualAddress(token.Address, contract) {
			return symbol, token, true
		}
	}
	return "", config.StablecoinConfig{}, false
}

// monthPrice resolves the effective monthly price for a plan,
// preferring a stored operator override over the static configuration.
func (s *Service) monthPrice(ctx context.Context, plan member.Tier) (float64, error) {
	monthUSD := 0.0
	if s.config != nil {
		usd, ok, err := s.config.GetPlanPrice(ctx, plan)
		if err != nil {
			return 0, errors.StoreFailure(err)
		}
		if ok {
			monthUSD = usd
		}
	}
	if monthUSD <= 0 {
		switch plan {
		case member.TierPro:
			monthUSD = s.pricing.ProMonthUSD
		case member.TierUltra:
			monthUSD = s.pricing.UltraMonthUSD
		}
	}
	if monthUSD <= 0 {
		return 0, errors.MissingPricing(string(plan))
	}
	return monthUSD, nil
}

// PlanQuote is the advertised price for one plan on the config
// endpoint.
type PlanQuote struct {
	Plan     member.Tier `json:"plan"`
	MonthUSD float64     `json:"month_usd"`
}

// Pricing returns the advertised monthly prices for both paid plans.
func (s *Service) Pricing(ctx context.Context) ([]PlanQuote, error) {
	quotes := make([]PlanQuote, 0, 2)
	for _, plan := range []member.Tier{member.TierPro, member.TierUltra} {
		monthUSD := 0.0
		if s.config != nil {
			usd, ok, err := s.config.GetPlanPrice(ctx, plan)
			if err != nil {
				return nil, errors.StoreFailure(err)
			}
			if ok {
				monthUSD = usd
			}
		}
		if monthUSD <= 0 {
			switch plan {
			case member.TierPro:
				monthUSD = s.pricing.ProMonthUSD
			case member.TierUltra:
				monthUSD = s.pricing.UltraMonthUSD
			}
		}
		quotes = append(quotes, PlanQuote{Plan: plan, MonthUSD: monthUSD})
	}
	return quotes, nil
}

// weiToUnit converts an integer token amount to its decimal unit.
func weiToUnit(raw *big.Int, decimals int) float64 {
	if decimals <= 0 {
		decimals = 18
	}
	f := new(big.Float).SetInt(raw)
	div := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out, _ := new(big.Float).Quo(f, div).Float64()
	return out
}
