package merchants

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-psp-orders/internal/postgres"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

func (r *Repo) Get(ctx context.Context, id string) (*Merchant, error) {
	var m Merchant
	err := r.DB.QueryRow(ctx, `
		SELECT id, name, tax_rate_bps, shipping_fee_minor, shop_domain
		FROM merchants WHERE id=$1`, id,
	).Scan(&m.ID, &m.Name, &m.TaxRateBps, &m.ShippingFeeMinor, &m.Storefront.ShopDomain)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Query(ctx, `
		SELECT merchant_id, provider, credential_ref, priority, active, sub_account
		FROM psp_configs WHERE merchant_id=$1 ORDER BY priority`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c psp.Config
		if err := rows.Scan(&c.MerchantID, &c.Provider, &c.CredentialRef, &c.Priority, &c.Active, &c.SubAccount); err != nil {
			return nil, err
		}
		m.PSPConfigs = append(m.PSPConfigs, c)
	}
	return &m, rows.Err()
}

// Upsert writes a merchant and replaces its PSP rows. Onboarding owns this
// data; the service only calls it from seeds and tests.
func (r *Repo) Upsert(ctx context.Context, m *Merchant) error {
	return postgres.WithTx(ctx, r.DB, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO merchants(id, name, tax_rate_bps, shipping_fee_minor, shop_domain)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (id) DO UPDATE SET
				name=EXCLUDED.name, tax_rate_bps=EXCLUDED.tax_rate_bps,
				shipping_fee_minor=EXCLUDED.shipping_fee_minor, shop_domain=EXCLUDED.shop_domain,
				updated_at=now()`,
			m.ID, m.Name, m.TaxRateBps, m.ShippingFeeMinor, m.Storefront.ShopDomain,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM psp_configs WHERE merchant_id=$1`, m.ID); err != nil {
			return err
		}
		for _, c := range m.PSPConfigs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO psp_configs(merchant_id, priority, provider, credential_ref, sub_account, active)
				VALUES ($1,$2,$3,$4,$5,$6)`,
				m.ID, c.Priority, c.Provider, c.CredentialRef, c.SubAccount, c.Active,
			); err != nil {
				return err
			}
		}
		return nil
	})
}
