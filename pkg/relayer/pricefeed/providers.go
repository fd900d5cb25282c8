// Package pricefeed streams signed prices from a websocket feed and pushes
// them to the pricing oracle as update_price_feed transactions.
package pricefeed

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/Overclock-Validator/ephemeral/pkg/programs/pricefeed"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultPythSymbolsURL = "https://pyth-lazer-staging.dourolabs.app/history/v1/symbols"

// Provider turns one feed's frames into price updates.
type Provider interface {
	Name() string
	SubscriptionMessage(ctx context.Context, feeds []string) ([]byte, error)
	ParseUpdate(message []byte) ([]pricefeed.UpdateData, error)
}

// SelectProvider picks Stork for Stork endpoints and Pyth Lazer otherwise.
func SelectProvider(wsURL string, httpClient *http.Client) Provider {
	if strings.Contains(wsURL, "stork") {
		return Stork{}
	}
	return NewPythLazer(DefaultPythSymbolsURL, httpClient)
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

type Stork struct{}

func (Stork) Name() string { return pricefeed.ProviderStork }

func (Stork) SubscriptionMessage(_ context.Context, feeds []string) ([]byte, error) {
	return json.Marshal(map[string]any{"type": "subscribe", "data": feeds})
}

type storkSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V string `json:"v"`
}

type storkPrice struct {
	Timestamp        *uint64 `json:"timestamp"`
	Price            *string `json:"price"`
	StorkSignedPrice *struct {
		EncodedAssetID       string `json:"encoded_asset_id"`
		PublisherMerkleRoot  string `json:"publisher_merkle_root"`
		TimestampedSignature *struct {
			Signature *storkSignature `json:"signature"`
		} `json:"timestamped_signature"`
		CalculationAlg *struct {
			Checksum string `json:"checksum"`
		} `json:"calculation_alg"`
	} `json:"stork_signed_price"`
}

// storkQuantize scales a Stork decimal price by 10^-6, truncating toward
// zero. Values that do not fit an i128 become 0.
func storkQuantize(price string) (pricefeed.Int128, error) {
	r, ok := new(big.Rat).SetString(price)
	if !ok {
		return pricefeed.Int128{}, fmt.Errorf("invalid price %q", price)
	}
	den := new(big.Int).Mul(r.Denom(), big.NewInt(1_000_000))
	q, ok := pricefeed.Int128FromBig(new(big.Int).Quo(r.Num(), den))
	if !ok {
		return pricefeed.Int128{}, nil
	}
	return q, nil
}

func (Stork) ParseUpdate(message []byte) ([]pricefeed.UpdateData, error) {
	var frame struct {
		Data map[string]jsoniter.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, fmt.Errorf("stork frame: %w", err)
	}
	if frame.Data == nil {
		return nil, fmt.Errorf("stork frame: missing data object")
	}

	updates := make([]pricefeed.UpdateData, 0, len(frame.Data))
	for _, symbol := range lo.Keys(frame.Data) {
		update, err := parseStorkPrice(symbol, frame.Data[symbol])
		if err != nil {
			return nil, fmt.Errorf("stork %s: %w", symbol, err)
		}
		updates = append(updates, update)
	}
	return updates, nil
}

func parseStorkPrice(symbol string, raw []byte) (pricefeed.UpdateData, error) {
	var msg storkPrice
	update := pricefeed.UpdateData{Symbol: symbol}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return update, err
	}
	signed := msg.StorkSignedPrice
	switch {
	case signed == nil:
		return update, fmt.Errorf("missing stork_signed_price")
	case signed.TimestampedSignature == nil || signed.TimestampedSignature.Signature == nil:
		return update, fmt.Errorf("missing signature")
	case msg.Timestamp == nil:
		return update, fmt.Errorf("missing timestamp")
	case msg.Price == nil:
		return update, fmt.Errorf("missing price")
	case signed.CalculationAlg == nil:
		return update, fmt.Errorf("missing calculation_alg")
	}

	quantized, err := storkQuantize(*msg.Price)
	if err != nil {
		return update, err
	}
	update.TemporalNumericValue = pricefeed.TemporalNumericValue{TimestampNs: *msg.Timestamp, QuantizedValue: quantized}

	sig := signed.TimestampedSignature.Signature
	for _, field := range []struct {
		name string
		hex  string
		out  *[32]byte
	}{
		{"encoded_asset_id", signed.EncodedAssetID, &update.ID},
		{"publisher_merkle_root", signed.PublisherMerkleRoot, &update.PublisherMerkleRoot},
		{"checksum", signed.CalculationAlg.Checksum, &update.ValueComputeAlgHash},
		{"r", sig.R, &update.R},
		{"s", sig.S, &update.S},
	} {
		if *field.out, err = decodeHex32(field.hex); err != nil {
			return update, fmt.Errorf("%s: %w", field.name, err)
		}
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(sig.V, "0x"), 16, 8)
	if err != nil {
		return update, fmt.Errorf("v: %w", err)
	}
	update.V = uint8(v)
	return update, nil
}

// PythSymbol is one entry of the Pyth Lazer symbols index.
type PythSymbol struct {
	PythLazerID int32  `json:"pyth_lazer_id"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Description string `json:"description"`
	AssetType   string `json:"asset_type"`
	Exponent    int32  `json:"exponent"`
}

type PythLazer struct {
	symbolsURL string
	client     *http.Client
}

func NewPythLazer(symbolsURL string, client *http.Client) *PythLazer {
	if client == nil {
		client = http.DefaultClient
	}
	return &PythLazer{symbolsURL: symbolsURL, client: client}
}

func (*PythLazer) Name() string { return pricefeed.ProviderPythLazer }

func (p *PythLazer) Symbols(ctx context.Context) ([]PythSymbol, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.symbolsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching pyth symbols: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching pyth symbols: %s", resp.Status)
	}
	var symbols []PythSymbol
	if err = json.NewDecoder(resp.Body).Decode(&symbols); err != nil {
		return nil, fmt.Errorf("decoding pyth symbols: %w", err)
	}
	return symbols, nil
}

// SubscriptionMessage resolves feed names to Lazer ids. Unknown names are
// dropped.
func (p *PythLazer) SubscriptionMessage(ctx context.Context, feeds []string) ([]byte, error) {
	symbols, err := p.Symbols(ctx)
	if err != nil {
		return nil, err
	}
	ids := lo.FilterMap(feeds, func(feed string, _ int) (int32, bool) {
		symbol, ok := lo.Find(symbols, func(s PythSymbol) bool { return s.Name == feed })
		return symbol.PythLazerID, ok
	})
	return json.Marshal(map[string]any{
		"type":           "subscribe",
		"subscriptionId": 0,
		"priceFeedIds":   ids,
		"properties":     []string{"price"},
		"chains":         []string{"solana"},
		"channel":        "real_time",
	})
}

func (*PythLazer) ParseUpdate(message []byte) ([]pricefeed.UpdateData, error) {
	var frame struct {
		Parsed *struct {
			TimestampUs string `json:"timestampUs"`
			PriceFeeds  []struct {
				PriceFeedID *uint64 `json:"priceFeedId"`
				Price       *string `json:"price"`
			} `json:"priceFeeds"`
		} `json:"parsed"`
		Solana *struct {
			Data string `json:"data"`
		} `json:"solana"`
	}
	if err := json.Unmarshal(message, &frame); err != nil {
		return nil, fmt.Errorf("pyth frame: %w", err)
	}
	if frame.Parsed == nil {
		return nil, fmt.Errorf("pyth frame: missing parsed field")
	}
	if frame.Solana == nil {
		return nil, fmt.Errorf("pyth frame: missing solana field")
	}

	timestampUs, err := strconv.ParseUint(frame.Parsed.TimestampUs, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("pyth timestampUs: %w", err)
	}
	envelope, err := base64.StdEncoding.DecodeString(frame.Solana.Data)
	if err != nil {
		return nil, fmt.Errorf("pyth solana data: %w", err)
	}
	msg, err := DecodeSolanaMessage(envelope)
	if err != nil {
		return nil, err
	}

	updates := make([]pricefeed.UpdateData, 0, len(frame.Parsed.PriceFeeds))
	for _, feed := range frame.Parsed.PriceFeeds {
		if feed.PriceFeedID == nil || feed.Price == nil {
			return nil, fmt.Errorf("pyth price feed: missing priceFeedId or price")
		}
		price, ok := new(big.Int).SetString(*feed.Price, 10)
		if !ok {
			return nil, fmt.Errorf("pyth price %q is not an integer", *feed.Price)
		}
		quantized, ok := pricefeed.Int128FromBig(price)
		if !ok {
			return nil, fmt.Errorf("pyth price %q overflows i128", *feed.Price)
		}

		update := pricefeed.UpdateData{
			Symbol: strconv.FormatUint(*feed.PriceFeedID, 10),
			TemporalNumericValue: pricefeed.TemporalNumericValue{
				TimestampNs:    timestampUs * 1000,
				QuantizedValue: quantized,
			},
			PublisherMerkleRoot: msg.PublicKey,
		}
		for i := 0; i < 8; i++ {
			update.ID[i] = byte(*feed.PriceFeedID >> (8 * i))
		}
		copy(update.R[:], msg.Signature[:32])
		copy(update.S[:], msg.Signature[32:])
		updates = append(updates, update)
	}
	return updates, nil
}
