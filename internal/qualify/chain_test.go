package qualify

import (
	"context"
	"errors"
	"testing"

	"festa-bot/internal/logging"
	"festa-bot/internal/repo"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	rows []repo.BotQuestion
	err  error
}

func (f fakeSource) ListActiveQuestions(context.Context, string) ([]repo.BotQuestion, error) {
	return f.rows, f.err
}

func strPtr(s string) *string { return &s }

func TestResolveFallsBackToDefaults(t *testing.T) {
	r := NewResolver(fakeSource{}, nil, logging.Discard())

	chain, err := r.Resolve(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.True(t, chain.FromDefaults())
	assert.Equal(t, []string{StepName, StepInquiry, StepMonth, StepDayOfWeek, StepGuestCount}, chain.Keys())
	assert.Equal(t, StepName, chain.First())
	assert.Equal(t, StepInquiry, chain.Next(StepName))
	assert.Equal(t, Terminal, chain.Next(StepGuestCount))
}

func TestResolveUsesInjectedDefaults(t *testing.T) {
	defs := []QuestionDef{{Key: "cidade", Question: "Qual sua cidade?"}}
	r := NewResolver(fakeSource{}, defs, logging.Discard())

	chain, err := r.Resolve(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"cidade"}, chain.Keys())
	step, ok := chain.Step("cidade")
	require.True(t, ok)
	assert.Nil(t, step.Confirmation)
	assert.Equal(t, Terminal, step.Next)
}

func TestResolveBuildsConfiguredChain(t *testing.T) {
	rows := []repo.BotQuestion{
		{StepKey: "mes", QuestionText: "Mês?\n1 - Maio\n2 - Junho", SortOrder: 2, Active: true},
		{StepKey: "nome", QuestionText: "Seu nome?", ConfirmationText: strPtr("Oi {nome}!"), SortOrder: 1, Active: true},
		{StepKey: "off", QuestionText: "Desligada", SortOrder: 3, Active: false},
		{StepKey: "  ", QuestionText: "Sem chave", SortOrder: 4, Active: true},
		{StepKey: "convidados", QuestionText: "Quantos?", ConfirmationText: strPtr("   "), SortOrder: 5, Active: true},
	}
	r := NewResolver(fakeSource{rows: rows}, nil, logging.Discard())

	chain, err := r.Resolve(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.False(t, chain.FromDefaults())
	assert.Equal(t, []string{"nome", "mes", "convidados"}, chain.Keys())
	assert.Equal(t, "mes", chain.Next("nome"))
	assert.Equal(t, "convidados", chain.Next("mes"))
	assert.Equal(t, Terminal, chain.Next("convidados"))
	assert.Equal(t, "", chain.Next("unknown"))

	nome, _ := chain.Step("nome")
	require.NotNil(t, nome.Confirmation)
	assert.Equal(t, "Oi {nome}!", *nome.Confirmation)

	convidados, _ := chain.Step("convidados")
	assert.Nil(t, convidados.Confirmation)
}

func TestBuildChainSkipsDuplicateKeys(t *testing.T) {
	chain := BuildChain([]repo.BotQuestion{
		{StepKey: "nome", QuestionText: "primeira", SortOrder: 1, Active: true},
		{StepKey: "nome", QuestionText: "segunda", SortOrder: 2, Active: true},
	})
	assert.Equal(t, 1, chain.Len())
	step, _ := chain.Step("nome")
	assert.Equal(t, "primeira", step.Question)
}

func TestResolvePropagatesSourceError(t *testing.T) {
	r := NewResolver(fakeSource{err: errors.New("db down")}, nil, logging.Discard())
	_, err := r.Resolve(context.Background(), "inst-1")
	require.Error(t, err)
}

func TestEmptyChainFirstIsTerminal(t *testing.T) {
	chain := BuildChain(nil)
	assert.Equal(t, Terminal, chain.First())
}
