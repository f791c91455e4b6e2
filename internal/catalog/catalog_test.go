package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "products": [
    {"product_id": "premium_monthly", "name": "Premium Monthly", "term_days": 30, "price_ids": ["price_m"]},
    {"product_id": "premium_annual", "name": "Premium Annual", "kind": "individual", "term_days": 365},
    {"product_id": "company_annual", "name": "Teams", "kind": "company", "term_days": 365, "seat_price": 4900, "price_ids": ["price_team"]}
  ]
}`

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	c, err := LoadFromFile(writeCatalog(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, 30, c.TermDays("premium_monthly"))
	assert.Equal(t, 0, c.TermDays("unknown"))
	assert.True(t, c.IsCompanyPlan("company_annual"))
	assert.False(t, c.IsCompanyPlan("premium_annual"))

	p, ok := c.Get("premium_monthly")
	require.True(t, ok)
	assert.Equal(t, PlanIndividual, p.Kind)

	team, ok := c.ByPrice("price_team")
	require.True(t, ok)
	assert.Equal(t, "company_annual", team.ProductID)
	assert.EqualValues(t, 4900, team.SeatPrice)
}

func TestLoadFromFileRejectsBadInput(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeCatalog(t, "{not json"))
	assert.Error(t, err)

	_, err = LoadFromFile(writeCatalog(t, `{"products":[{"product_id":"x","term_days":0}]}`))
	assert.ErrorContains(t, err, "term_days")
}
