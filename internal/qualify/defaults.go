package qualify

// Step keys of the built-in chain.
const (
	StepName       = "nome"
	StepInquiry    = "tipo"
	StepMonth      = "mes"
	StepDayOfWeek  = "dia_semana"
	StepGuestCount = "convidados"
)

// QuestionDef is a compiled-in question used when a tenant has none configured.
// An empty Confirmation means the step has no confirmation text.
type QuestionDef struct {
	Key          string
	Question     string
	Confirmation string
}

// DefaultQuestions returns a fresh copy of the built-in qualification chain.
func DefaultQuestions() []QuestionDef {
	return []QuestionDef{
		{
			Key:          StepName,
			Question:     "Olá! 🎈 Que bom ter você por aqui.\nPara começarmos, qual é o seu nome?",
			Confirmation: "Prazer, {nome}! 😊",
		},
		{
			Key:          StepInquiry,
			Question:     "Como podemos te ajudar?\n\n1 - Quero fazer um orçamento\n2 - Quero agendar uma visita\n3 - Já sou cliente",
			Confirmation: "Perfeito!",
		},
		{
			Key:          StepMonth,
			Question:     "Para qual mês você está planejando a festa?\n\n" + FormatOptions(monthOptions()),
			Confirmation: "Ótimo, festa em {mes}! 🗓️",
		},
		{
			Key:          StepDayOfWeek,
			Question:     "Qual dia da semana você prefere?\n\n" + FormatOptions(dayOptions()),
			Confirmation: "Anotado!",
		},
		{
			Key:          StepGuestCount,
			Question:     "Quantos convidados você espera, aproximadamente?\n\n" + FormatOptions(guestOptions()),
			Confirmation: "Obrigado, {nome}! Já temos tudo o que precisamos.",
		},
	}
}

// DefaultOptions returns a fresh copy of the fallback option sets used when a
// menu step's question text carries no parsable menu.
func DefaultOptions() map[string][]Option {
	return map[string][]Option{
		StepInquiry: {
			{Number: 1, Label: "Quero fazer um orçamento"},
			{Number: 2, Label: "Quero agendar uma visita"},
			{Number: 3, Label: "Já sou cliente"},
		},
		StepMonth:      monthOptions(),
		StepDayOfWeek:  dayOptions(),
		StepGuestCount: guestOptions(),
	}
}

// DefaultCompletionMessage is sent after the last answer when the tenant has none configured.
const DefaultCompletionMessage = "Em breve um de nossos consultores vai falar com você por aqui. 🎉"

func monthOptions() []Option {
	names := []string{
		"Janeiro", "Fevereiro", "Março", "Abril", "Maio", "Junho",
		"Julho", "Agosto", "Setembro", "Outubro", "Novembro", "Dezembro",
	}
	opts := make([]Option, len(names))
	for i, n := range names {
		opts[i] = Option{Number: i + 1, Label: n}
	}
	return opts
}

func dayOptions() []Option {
	return []Option{
		{Number: 1, Label: "Segunda a quinta"},
		{Number: 2, Label: "Sexta-feira"},
		{Number: 3, Label: "Sábado"},
		{Number: 4, Label: "Domingo"},
	}
}

func guestOptions() []Option {
	return []Option{
		{Number: 1, Label: "Até 50 convidados"},
		{Number: 2, Label: "De 51 a 80 convidados"},
		{Number: 3, Label: "De 81 a 120 convidados"},
		{Number: 4, Label: "Mais de 120 convidados"},
	}
}
