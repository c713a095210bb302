package filter

import (
	"testing"

	"github.com/glimte/mmate-bridge/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exchangeWith(t *testing.T, p contracts.Pattern, contentType, body string) *contracts.Exchange {
	t.Helper()
	ex, err := contracts.NewExchange(p)
	require.NoError(t, err)
	require.NoError(t, ex.SetIn(contracts.NewMessage(contentType, []byte(body))))
	return ex
}

func TestCombinators(t *testing.T) {
	ex := exchangeWith(t, contracts.OneWay, "text/plain", "hello")

	assert.True(t, Always().Matches(ex))
	assert.False(t, Never().Matches(ex))
	assert.True(t, And().Matches(ex))
	assert.False(t, Or().Matches(ex))
	assert.True(t, And(Always(), Not(Never())).Matches(ex))
	assert.False(t, And(Always(), Never()).Matches(ex))
	assert.True(t, Or(Never(), Always()).Matches(ex))
}

func TestPatternIs(t *testing.T) {
	p := PatternIs(contracts.OneWay, contracts.RobustOneWay)
	assert.True(t, p.Matches(exchangeWith(t, contracts.RobustOneWay, "", "")))
	assert.False(t, p.Matches(exchangeWith(t, contracts.RequestReply, "", "")))
	assert.False(t, p.Matches(nil))
}

func TestPropertyPredicates(t *testing.T) {
	ex := exchangeWith(t, contracts.OneWay, "text/plain", "x")
	ex.In().SetProperty("region", "eu")
	ex.SetProperty("retries", 3)

	t.Run("looks at message then exchange", func(t *testing.T) {
		assert.True(t, PropertyExists("region").Matches(ex))
		assert.True(t, PropertyExists("retries").Matches(ex))
		assert.False(t, PropertyExists("missing").Matches(ex))
	})

	t.Run("equals compares typed values", func(t *testing.T) {
		assert.True(t, PropertyEquals("retries", 3).Matches(ex))
		assert.False(t, PropertyEquals("retries", "3").Matches(ex))
		assert.True(t, PropertyString("retries", "3").Matches(ex))
	})

	t.Run("message property shadows exchange property", func(t *testing.T) {
		ex.SetProperty("region", "us")
		assert.True(t, PropertyEquals("region", "eu").Matches(ex))
	})
}

func TestContentPredicates(t *testing.T) {
	jsonEx := exchangeWith(t, contracts.OneWay, "application/json",
		`{"order":{"id":7,"priority":"high","lines":[{"sku":"a"},{"sku":"b"}]}}`)
	xmlEx := exchangeWith(t, contracts.OneWay, "application/xml",
		`<Order><Status> open </Status><Line sku="a"/></Order>`)

	t.Run("contains", func(t *testing.T) {
		assert.True(t, ContentContains("priority").Matches(jsonEx))
		assert.False(t, ContentContains("urgent").Matches(jsonEx))
	})

	t.Run("json path", func(t *testing.T) {
		assert.True(t, JSONPath("order.priority", "high").Matches(jsonEx))
		assert.True(t, JSONPath("order.id", "7").Matches(jsonEx))
		assert.True(t, JSONPath("order.lines.#", "2").Matches(jsonEx))
		assert.False(t, JSONPath("order.priority", "low").Matches(jsonEx))
		assert.True(t, JSONPathExists("order.lines.1.sku").Matches(jsonEx))
		assert.False(t, JSONPathExists("order.customer").Matches(jsonEx))
		assert.False(t, JSONPathExists("Order").Matches(xmlEx))
	})

	t.Run("xml path", func(t *testing.T) {
		status, err := XPath("//Order/Status", "open")
		require.NoError(t, err)
		assert.True(t, status.Matches(xmlEx))
		assert.False(t, status.Matches(jsonEx))

		line, err := XPathExists("//Line[@sku='a']")
		require.NoError(t, err)
		assert.True(t, line.Matches(xmlEx))

		missing, err := XPathExists("//Customer")
		require.NoError(t, err)
		assert.False(t, missing.Matches(xmlEx))
	})

	t.Run("invalid xml path fails at construction", func(t *testing.T) {
		_, err := XPathExists("//Order[")
		assert.ErrorIs(t, err, ErrInvalidSpec)
	})

	t.Run("no request message never matches", func(t *testing.T) {
		ex, err := contracts.NewExchange(contracts.OneWay)
		require.NoError(t, err)
		assert.False(t, ContentContains("").Matches(ex))
		assert.False(t, JSONPathExists("a").Matches(ex))
	})
}

func TestBuild(t *testing.T) {
	ex := exchangeWith(t, contracts.RobustOneWay, "application/json", `{"kind":"invoice","amount":120}`)
	ex.SetProperty("tenant", "acme")

	t.Run("zero spec matches everything", func(t *testing.T) {
		p, err := Build(Spec{})
		require.NoError(t, err)
		assert.True(t, p.Matches(ex))
	})

	t.Run("nested spec", func(t *testing.T) {
		p, err := Build(Spec{
			Kind: KindAll,
			Children: []Spec{
				{Kind: KindPattern, Patterns: []string{"robust-one-way"}},
				{Kind: KindProperty, Name: "tenant", Value: "acme"},
				{Kind: KindAny, Children: []Spec{
					{Kind: KindJSON, Path: "kind", Value: "receipt"},
					{Kind: KindJSON, Path: "amount"},
				}},
				{Kind: KindNot, Children: []Spec{{Kind: KindContains, Value: "void"}}},
			},
		})
		require.NoError(t, err)
		assert.True(t, p.Matches(ex))
	})

	t.Run("rejects invalid specs", func(t *testing.T) {
		invalid := []Spec{
			{Kind: "regex"},
			{Kind: KindNot},
			{Kind: KindPattern},
			{Kind: KindPattern, Patterns: []string{"fan-out"}},
			{Kind: KindProperty},
			{Kind: KindContains},
			{Kind: KindJSON},
			{Kind: KindXML, Path: "//["},
			{Kind: KindAll, Children: []Spec{{Kind: "bogus"}}},
		}
		for _, s := range invalid {
			_, err := Build(s)
			assert.ErrorIs(t, err, ErrInvalidSpec, "kind %q", s.Kind)
		}
	})
}
