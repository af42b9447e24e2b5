package config

import (
	"context"
	"fmt"

	"github.com/warp/commission-engine/generic"
)

// Setting keys in the settings table. The names match the CRM's admin panel.
const (
	KeyComissaoResposta = "comissaoResposta"
	KeyComissaoVenda    = "comissaoVenda"
)

// StaticRates always returns the same rates.
type StaticRates generic.Rates

func (s StaticRates) Rates(context.Context) (generic.Rates, error) {
	return generic.Rates(s), nil
}

// SettingsRates reads rates from a settings store on every call, falling back
// to Defaults for keys never saved.
type SettingsRates struct {
	Store    generic.SettingsStore
	Defaults generic.Rates
}

func NewSettingsRates(store generic.SettingsStore, defaults generic.Rates) *SettingsRates {
	return &SettingsRates{Store: store, Defaults: defaults}
}

func (p *SettingsRates) Rates(ctx context.Context) (generic.Rates, error) {
	resp, err := p.read(ctx, KeyComissaoResposta, p.Defaults.Response)
	if err != nil {
		return generic.Rates{}, err
	}
	sale, err := p.read(ctx, KeyComissaoVenda, p.Defaults.Sale)
	if err != nil {
		return generic.Rates{}, err
	}
	return generic.Rates{Response: resp, Sale: sale}, nil
}

// Update validates and saves both rates.
func (p *SettingsRates) Update(ctx context.Context, rates generic.Rates) error {
	if rates.Response.IsNegative() || rates.Sale.IsNegative() {
		return fmt.Errorf("%w: commission rates must not be negative", generic.ErrInvalidAmount)
	}
	if !wholeCents(rates.Response.Value) || !wholeCents(rates.Sale.Value) {
		return fmt.Errorf("%w: commission rates must be whole centavos", generic.ErrInvalidAmount)
	}
	if err := p.Store.SaveSetting(ctx, KeyComissaoResposta, rates.Response.Value.String()); err != nil {
		return err
	}
	return p.Store.SaveSetting(ctx, KeyComissaoVenda, rates.Sale.Value.String())
}

func (p *SettingsRates) read(ctx context.Context, key string, def generic.Amount) (generic.Amount, error) {
	raw, ok, err := p.Store.GetSetting(ctx, key)
	if err != nil {
		return generic.Amount{}, fmt.Errorf("read setting %s: %w", key, err)
	}
	if !ok {
		return def, nil
	}
	return parseMoney(key, raw)
}
