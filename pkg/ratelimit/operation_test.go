package ratelimit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vocabquiz/pkg/clock"
	"vocabquiz/pkg/logger"
)

func graphqlRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "10.0.0.1:5555"
	return r
}

func TestParseOperation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Operation
	}{
		{"简写查询", `{"query":"{ words { id } }"}`, Operation{Type: OperationQuery}},
		{"具名查询", `{"query":"query Words { words { id } }"}`, Operation{Type: OperationQuery, Name: "Words"}},
		{"匿名变更", `{"query":"mutation { resetSession(key: \"a\") }"}`, Operation{Type: OperationMutation}},
		{"带变量的变更", `{"query":"mutation($k: String!) { resetSession(key: $k) }"}`, Operation{Type: OperationMutation}},
		{"operationName 定位", `{"query":"query A { a } mutation B { b }","operationName":"B"}`, Operation{Type: OperationMutation, Name: "B"}},
		{"名称前缀不误判", `{"query":"mutation Reset { a } query ResetProgress { b }","operationName":"ResetProgress"}`, Operation{Type: OperationQuery, Name: "ResetProgress"}},
		{"operationName 不存在", `{"query":"mutation A { a }","operationName":"Missing"}`, Operation{Type: OperationQuery, Name: "Missing"}},
		{"订阅", `{"query":"subscription OnWord { word { id } }"}`, Operation{Type: OperationSubscription, Name: "OnWord"}},
		{"注释", `{"query":"# mutation Fake\nquery Real { a }"}`, Operation{Type: OperationQuery, Name: "Real"}},
		{"内省名称", `{"query":"query IntrospectionQuery { __schema { types { name } } }","operationName":"IntrospectionQuery"}`, Operation{Type: OperationQuery, Name: "IntrospectionQuery", Introspection: true}},
		{"__type 字段", `{"query":"{ __type(name: \"Word\") { name } }"}`, Operation{Type: OperationQuery, Introspection: true}},
		{"__typename 不是内省", `{"query":"{ words { __typename id } }"}`, Operation{Type: OperationQuery}},
		{"非 JSON", `not json`, Operation{Type: OperationQuery}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOperation([]byte(tt.body)))
		})
	}
}

func TestOperationLimiter_IndependentBudgets(t *testing.T) {
	l := NewOperationLimiter(OperationConfig{
		Window:        time.Minute,
		QueryLimit:    1,
		MutationLimit: 1,
	}, nil, clock.NewFake(epoch), logger.Discard())

	mutation := `{"query":"mutation { nextWords(count: 1) { id } }"}`
	query := `{"query":"{ words { id } }"}`

	assert.False(t, l.Check(graphqlRequest(mutation)).Limited)
	assert.True(t, l.Check(graphqlRequest(mutation)).Limited)

	// 变更超限不影响查询额度
	res := l.Check(graphqlRequest(query))
	assert.False(t, res.Limited)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, "10.0.0.1:query", res.Key)
}

func TestOperationLimiter_LimitResolution(t *testing.T) {
	l := NewOperationLimiter(OperationConfig{
		Window:        time.Minute,
		QueryLimit:    60,
		MutationLimit: 20,
		Overrides:     map[string]int{"SubmitAnswer": 5, "words": 100},
	}, nil, clock.NewFake(epoch), logger.Discard())

	tests := []struct {
		name string
		op   Operation
		want int
	}{
		{"覆盖优先于变更默认", Operation{Type: OperationMutation, Name: "SubmitAnswer"}, 5},
		{"覆盖名称不区分大小写", Operation{Type: OperationMutation, Name: "submitanswer"}, 5},
		{"覆盖优先于查询默认", Operation{Type: OperationQuery, Name: "Words"}, 100},
		{"变更默认", Operation{Type: OperationMutation, Name: "Other"}, 20},
		{"查询默认", Operation{Type: OperationQuery}, 60},
		{"订阅使用查询默认", Operation{Type: OperationSubscription}, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.LimitFor(tt.op))
		})
	}
}

func TestOperationLimiter_NamedOperationsHaveSeparateKeys(t *testing.T) {
	l := NewOperationLimiter(OperationConfig{Window: time.Minute, QueryLimit: 1, MutationLimit: 1}, nil, clock.NewFake(epoch), logger.Discard())

	a := l.Check(graphqlRequest(`{"query":"mutation A { a }"}`))
	b := l.Check(graphqlRequest(`{"query":"mutation B { b }"}`))
	assert.False(t, a.Limited)
	assert.False(t, b.Limited)
	assert.Equal(t, "10.0.0.1:mutation:A", a.Key)
	assert.Equal(t, "10.0.0.1:mutation:B", b.Key)
}

func TestOperationLimiter_IntrospectionSkips(t *testing.T) {
	l := NewOperationLimiter(OperationConfig{Window: time.Minute, QueryLimit: 1, MutationLimit: 1}, nil, clock.NewFake(epoch), logger.Discard())

	body := `{"query":"query IntrospectionQuery { __schema { queryType { name } } }","operationName":"IntrospectionQuery"}`
	for i := 0; i < 5; i++ {
		res := l.Check(graphqlRequest(body))
		assert.True(t, res.Skipped)
		assert.False(t, res.Limited)
	}
}

func TestOperationLimiter_RestoresBody(t *testing.T) {
	l := NewOperationLimiter(OperationConfig{Window: time.Minute, QueryLimit: 5, MutationLimit: 5}, nil, clock.NewFake(epoch), logger.Discard())

	body := `{"query":"{ words { id } }"}`
	r := graphqlRequest(body)
	l.Check(r)

	restored, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(restored))
}
