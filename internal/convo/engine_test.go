package convo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festa-bot/internal/logging"
	"festa-bot/internal/qualify"
	"festa-bot/internal/repo"
	"festa-bot/internal/wapi"
	"festa-bot/migrations"
)

const (
	testInstance = "ext-1"
	testContact  = "5511987654321@s.whatsapp.net"
	testPhone    = "5511987654321"
)

type sent struct {
	to   string
	text string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	fail bool
}

func (f *fakeSender) SendText(_ context.Context, creds wapi.Credentials, to, text string) (*wapi.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, wapi.ErrDeliveryFailed
	}
	if creds.InstanceID != testInstance || creds.Token != "secret" {
		return nil, fmt.Errorf("unexpected credentials %+v", creds)
	}
	f.msgs = append(f.msgs, sent{to: to, text: text})
	return &wapi.SendResult{Shape: "phone/message"}, nil
}

func (f *fakeSender) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return sent{}
	}
	return f.msgs[len(f.msgs)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type fixture struct {
	engine *Engine
	repo   *repo.SQLiteRepository
	inst   *repo.Instance
	sender *fakeSender
	seq    int
}

func newFixture(t *testing.T, enabled bool) *fixture {
	t.Helper()
	ctx := context.Background()
	r, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "bot.db"), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NoError(t, r.RunMigrations(ctx, migrations.Files))

	inst, err := r.UpsertInstance(ctx, repo.Instance{CompanyID: "company-1", ExternalID: testInstance, Token: "secret"})
	require.NoError(t, err)
	require.NoError(t, r.UpsertBotSettings(ctx, repo.BotSettings{InstanceID: inst.ID, Enabled: enabled}))

	sender := &fakeSender{}
	engine := NewEngine(Deps{Store: r, Sender: sender, Logger: logging.Discard()})
	return &fixture{engine: engine, repo: r, inst: inst, sender: sender}
}

func (f *fixture) say(t *testing.T, text string) string {
	t.Helper()
	f.seq++
	id := fmt.Sprintf("msg-%d", f.seq)
	require.NoError(t, f.engine.HandleMessage(context.Background(), inbound(id, text)))
	return id
}

func inbound(id, text string) wapi.InboundMessage {
	return wapi.InboundMessage{
		InstanceExternalID: testInstance,
		MessageID:          id,
		RemoteJID:          testContact,
		SenderName:         "Ana",
		Text:               text,
	}
}

func (f *fixture) conversation(t *testing.T) *repo.Conversation {
	t.Helper()
	conv, err := f.repo.GetConversation(context.Background(), f.inst.ID, testPhone)
	require.NoError(t, err)
	return conv
}

func TestFullQualificationCreatesOneLead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	f.say(t, "Oi, quero fazer uma festa")
	assert.Contains(t, f.sender.last().text, "qual é o seu nome?")
	assert.Equal(t, testPhone, f.sender.last().to)
	assert.Equal(t, qualify.StepName, f.conversation(t).BotStep)

	f.say(t, "Ana Paula")
	assert.True(t, strings.HasPrefix(f.sender.last().text, "Prazer, Ana Paula! 😊\n\nComo podemos te ajudar?"))

	f.say(t, "1")
	f.say(t, "5")
	assert.True(t, strings.HasPrefix(f.sender.last().text, "Ótimo, festa em Maio! 🗓️"))
	f.say(t, "3")
	last := f.say(t, "2")

	closing := f.sender.last().text
	assert.Equal(t, "Obrigado, Ana Paula! Já temos tudo o que precisamos.\n\n"+qualify.DefaultCompletionMessage, closing)

	conv := f.conversation(t)
	assert.Equal(t, qualify.Terminal, conv.BotStep)
	assert.False(t, conv.BotEnabled)
	require.NotNil(t, conv.LeadID)
	assert.Equal(t, repo.DirectionOutbound, conv.LastDirection)

	lead, err := f.repo.GetLeadByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, *conv.LeadID, lead.ID)
	assert.Equal(t, "company-1", lead.CompanyID)
	assert.Equal(t, "Ana Paula", lead.Name)
	assert.Equal(t, testPhone, lead.Phone)
	assert.Equal(t, "Quero fazer um orçamento", lead.InquiryType)
	assert.Equal(t, "Maio", lead.PartyMonth)
	assert.Equal(t, "Sábado", lead.DayPreference)
	assert.Equal(t, "De 51 a 80 convidados", lead.GuestCount)
	assert.Equal(t, repo.LeadSourceWhatsAppBot, lead.Source)
	assert.Len(t, lead.Qualification, 5)

	sends := f.sender.count()
	f.say(t, "2")
	require.NoError(t, f.engine.HandleMessage(ctx, inbound(last, "2")))
	assert.Equal(t, sends, f.sender.count())

	again, err := f.repo.GetLeadByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, lead.ID, again.ID)
}

func TestDuplicateMessageIDIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.say(t, "Oi")

	msg := inbound("dup-1", "Ana")
	require.NoError(t, f.engine.HandleMessage(ctx, msg))
	sends := f.sender.count()
	require.NoError(t, f.engine.HandleMessage(ctx, msg))

	assert.Equal(t, sends, f.sender.count())
	conv := f.conversation(t)
	assert.Equal(t, qualify.StepInquiry, conv.BotStep)
	assert.Equal(t, "Ana", conv.BotData[qualify.StepName])
}

func TestInvalidAnswerRepromptsWithOptions(t *testing.T) {
	f := newFixture(t, true)
	f.say(t, "Oi")
	f.say(t, "Ana")

	f.say(t, "orçamento")
	reply := f.sender.last().text
	assert.Contains(t, reply, "Responda apenas com o número")
	assert.Contains(t, reply, "1 - Quero fazer um orçamento")
	assert.Equal(t, qualify.StepInquiry, f.conversation(t).BotStep)

	f.say(t, "9")
	assert.Equal(t, qualify.StepInquiry, f.conversation(t).BotStep)

	f.say(t, "2")
	conv := f.conversation(t)
	assert.Equal(t, qualify.StepMonth, conv.BotStep)
	assert.Equal(t, "Quero agendar uma visita", conv.BotData[qualify.StepInquiry])
}

func TestInvalidNameReprompts(t *testing.T) {
	f := newFixture(t, true)
	f.say(t, "Oi")
	f.say(t, "123")
	assert.Contains(t, f.sender.last().text, "nome válido")
	assert.Equal(t, qualify.StepName, f.conversation(t).BotStep)
}

func TestVIPNumbersBypassBot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	require.NoError(t, f.repo.AddVipNumber(ctx, f.inst.ID, "(11) 98765-4321"))

	f.say(t, "Oi")
	assert.Zero(t, f.sender.count())
	_, err := f.repo.GetConversation(ctx, f.inst.ID, testPhone)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestDisabledOrMissingSettingsSkipBot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.say(t, "Oi")
	assert.Zero(t, f.sender.count())

	other, err := f.repo.UpsertInstance(ctx, repo.Instance{CompanyID: "company-2", ExternalID: "ext-2", Token: "t"})
	require.NoError(t, err)
	msg := inbound("x-1", "Oi")
	msg.InstanceExternalID = other.ExternalID
	require.NoError(t, f.engine.HandleMessage(ctx, msg))
	assert.Zero(t, f.sender.count())

	_, err = f.repo.GetConversation(ctx, other.ID, testPhone)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUnknownInstanceIgnored(t *testing.T) {
	f := newFixture(t, true)
	msg := inbound("u-1", "Oi")
	msg.InstanceExternalID = "nope"
	require.NoError(t, f.engine.HandleMessage(context.Background(), msg))
	assert.Zero(t, f.sender.count())
}

func TestGroupAndOwnMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	group := inbound("g-1", "Oi")
	group.RemoteJID = "120363025246125486@g.us"
	require.NoError(t, f.engine.HandleMessage(ctx, group))
	assert.Zero(t, f.sender.count())

	f.say(t, "Oi")
	f.say(t, "Ana")
	require.NoError(t, f.repo.SetLastDirection(ctx, f.conversation(t).ID, repo.DirectionInbound))

	own := inbound("me-1", "Olá Ana, aqui é a Carla")
	own.FromMe = true
	sends := f.sender.count()
	require.NoError(t, f.engine.HandleMessage(ctx, own))
	conv := f.conversation(t)
	assert.Equal(t, repo.DirectionOutbound, conv.LastDirection)
	assert.Equal(t, qualify.StepInquiry, conv.BotStep)
	assert.Equal(t, sends, f.sender.count())
}

func TestDeliveryFailureKeepsState(t *testing.T) {
	f := newFixture(t, true)
	f.say(t, "Oi")
	f.sender.fail = true

	f.say(t, "Ana")
	conv := f.conversation(t)
	assert.Equal(t, qualify.StepInquiry, conv.BotStep)
	assert.Equal(t, "Ana", conv.BotData[qualify.StepName])
	assert.Equal(t, repo.DirectionInbound, conv.LastDirection)
}

type flakyStore struct {
	*repo.SQLiteRepository
	failAnswer bool
}

func (s *flakyStore) AnswerAndAdvance(ctx context.Context, conversationID, fromStep, nextStep, value string) (bool, error) {
	if s.failAnswer {
		s.failAnswer = false
		return false, errors.New("connection reset")
	}
	return s.SQLiteRepository.AnswerAndAdvance(ctx, conversationID, fromStep, nextStep, value)
}

func TestProcessingErrorAllowsRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	store := &flakyStore{SQLiteRepository: f.repo}
	engine := NewEngine(Deps{Store: store, Sender: f.sender, Logger: logging.Discard()})

	require.NoError(t, engine.HandleMessage(ctx, inbound("r-0", "Oi")))
	store.failAnswer = true
	msg := inbound("r-1", "Ana")
	require.Error(t, engine.HandleMessage(ctx, msg))
	assert.Equal(t, qualify.StepName, f.conversation(t).BotStep)

	require.NoError(t, engine.HandleMessage(ctx, msg))
	assert.Equal(t, qualify.StepInquiry, f.conversation(t).BotStep)
}

func TestUnknownStepRestartsChain(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.say(t, "Oi")
	conv := f.conversation(t)
	ok, err := f.repo.AnswerAndAdvance(ctx, conv.ID, qualify.StepName, "removida", "Ana")
	require.NoError(t, err)
	require.True(t, ok)

	f.say(t, "qualquer coisa")
	conv = f.conversation(t)
	assert.Equal(t, qualify.StepName, conv.BotStep)
	assert.Equal(t, "qualquer coisa", conv.BotData["removida"])
	assert.Contains(t, f.sender.last().text, "qual é o seu nome?")
}

func TestRewakeRestartsCompletedConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	for _, answer := range []string{"Oi", "Ana", "1", "5", "3", "2"} {
		f.say(t, answer)
	}
	require.False(t, f.conversation(t).BotEnabled)

	require.NoError(t, f.engine.Rewake(ctx, testInstance, "+55 11 98765-4321"))
	conv := f.conversation(t)
	assert.Equal(t, qualify.StepName, conv.BotStep)
	assert.True(t, conv.BotEnabled)
	assert.Contains(t, f.sender.last().text, "qual é o seu nome?")

	for _, answer := range []string{"Ana Maria", "2", "6", "1", "4"} {
		f.say(t, answer)
	}
	lead, err := f.repo.GetLeadByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana Maria", lead.Name)
	assert.Equal(t, "Junho", lead.PartyMonth)
	conv = f.conversation(t)
	require.NotNil(t, conv.LeadID)
	assert.Equal(t, *conv.LeadID, lead.ID)

	assert.ErrorIs(t, f.engine.Rewake(ctx, "missing", testPhone), ErrUnknownInstance)
}

func TestCustomChainWithEmbeddedMenu(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	welcome := "Bem-vindo ao Buffet Alegria!"
	completion := "Até logo, {nome}."
	require.NoError(t, f.repo.UpsertBotSettings(ctx, repo.BotSettings{
		InstanceID: f.inst.ID, Enabled: true, WelcomeMessage: &welcome, CompletionMessage: &completion,
	}))
	confirm := "Tema {TEMA} anotado."
	for _, q := range []repo.BotQuestion{
		{StepKey: "tema", QuestionText: "Qual o tema?\n*1* - Super-heróis\n2) Princesas", ConfirmationText: &confirm, SortOrder: 2, Active: true},
		{StepKey: "nome", QuestionText: "Seu nome?", SortOrder: 1, Active: true},
		{StepKey: "obs", QuestionText: "Alguma observação?", SortOrder: 3, Active: true},
		{StepKey: "velha", QuestionText: "Inativa", SortOrder: 0, Active: false},
	} {
		q.InstanceID = f.inst.ID
		_, err := f.repo.InsertQuestion(ctx, q)
		require.NoError(t, err)
	}

	f.say(t, "Oi")
	assert.Equal(t, "Bem-vindo ao Buffet Alegria!\n\nSeu nome?", f.sender.last().text)
	f.say(t, "Bia")
	assert.Equal(t, "Qual o tema?\n*1* - Super-heróis\n2) Princesas", f.sender.last().text)
	f.say(t, "2")
	assert.Equal(t, "Tema Princesas anotado.\n\nAlguma observação?", f.sender.last().text)
	f.say(t, "  sem glúten  ")
	assert.Equal(t, "Até logo, Bia.", f.sender.last().text)

	conv := f.conversation(t)
	lead, err := f.repo.GetLeadByConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bia", lead.Name)
	assert.Equal(t, "", lead.PartyMonth)
	assert.Equal(t, map[string]string{"nome": "Bia", "tema": "Princesas", "obs": "sem glúten"}, lead.Qualification)
}

func TestHandleConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)

	require.NoError(t, f.engine.HandleConnection(ctx, wapi.ConnectionEvent{InstanceExternalID: testInstance, Status: repo.StatusConnected}))
	inst, err := f.repo.GetInstanceByExternalID(ctx, testInstance)
	require.NoError(t, err)
	assert.Equal(t, repo.StatusConnected, inst.Status)

	require.NoError(t, f.engine.HandleConnection(ctx, wapi.ConnectionEvent{InstanceExternalID: "missing", Status: repo.StatusConnected}))
	assert.Error(t, f.engine.HandleConnection(ctx, wapi.ConnectionEvent{InstanceExternalID: testInstance, Status: "banana"}))
}

func greetings(f *fixture) int {
	f.sender.mu.Lock()
	defer f.sender.mu.Unlock()
	n := 0
	for _, m := range f.sender.msgs {
		if strings.HasPrefix(m.text, "Olá! 🎈") {
			n++
		}
	}
	return n
}

func TestConcurrentFirstMessagesGreetOnce(t *testing.T) {
	f := newFixture(t, true)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := f.engine.HandleMessage(context.Background(), inbound(fmt.Sprintf("c-%d", i), "?")); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, greetings(f))
	// every other burst message lands on the name step and is rejected
	assert.Equal(t, 8, f.sender.count())
	conv := f.conversation(t)
	assert.Equal(t, qualify.StepName, conv.BotStep)
	assert.Empty(t, conv.BotData)
}

// Two greetings sent back to back: the first creates the conversation and the
// second is read as the answer to the name question.
func TestConcurrentGreetingsSecondBecomesName(t *testing.T) {
	f := newFixture(t, true)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := f.engine.HandleMessage(context.Background(), inbound(fmt.Sprintf("oi-%d", i), "Oi")); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, greetings(f))
	conv := f.conversation(t)
	assert.Equal(t, qualify.StepInquiry, conv.BotStep)
	assert.Equal(t, "Oi", conv.BotData[qualify.StepName])
}

// staleStore serves a conversation snapshot taken before another message
// moved the conversation on.
type staleStore struct {
	*repo.SQLiteRepository
	snapshot repo.Conversation
}

func (s *staleStore) FindOrCreateConversation(context.Context, string, string, string, string) (*repo.Conversation, bool, error) {
	conv := s.snapshot
	return &conv, false, nil
}

func TestStaleSnapshotDoesNotOverwriteAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	for _, answer := range []string{"Oi", "Ana", "1"} {
		f.say(t, answer)
	}
	snapshot := f.conversation(t)
	require.Equal(t, qualify.StepMonth, snapshot.BotStep)

	f.say(t, "3")
	require.Equal(t, qualify.StepDayOfWeek, f.conversation(t).BotStep)

	stale := NewEngine(Deps{
		Store:  &staleStore{SQLiteRepository: f.repo, snapshot: *snapshot},
		Sender: f.sender,
		Logger: logging.Discard(),
	})
	sends := f.sender.count()
	require.NoError(t, stale.HandleMessage(ctx, inbound("late-1", "5")))

	conv := f.conversation(t)
	assert.Equal(t, qualify.StepDayOfWeek, conv.BotStep)
	assert.Equal(t, "Março", conv.BotData[qualify.StepMonth])
	assert.Equal(t, sends, f.sender.count())
}
