package conversation

import (
	"fmt"
	"time"

	"github.com/hackgods/barbershop-chat-scheduling/internal/schedule"
)

const (
	checkingNotice   = "Verificando agenda... ⏳"
	helpReply        = "Olá! Digite *agendar* para marcar um horário ou *desmarcar* para cancelar seu próximo agendamento."
	resetReply       = "Conversa reiniciada. Digite *agendar* quando quiser."
	expiredReply     = "Sua conversa anterior expirou por inatividade. ⌛\nDigite *agendar* para começar de novo."
	dateInvalidReply = "Não entendi a data. 😕\nTente responder: *Hoje*, *Amanhã* ou dia/mês (ex: 25/11)."
	timeInvalidReply = "Horário inválido. Tente digitar assim: *14:00* ou *15h30*."
	technicalReply   = "Erro técnico ao salvar na agenda. Tente novamente mais tarde."
	nothingReply     = "Você não tem agendamentos futuros para cancelar."
	cancelFailReply  = "Não consegui cancelar seu agendamento agora. Tente novamente mais tarde."
)

var weekdayNames = [...]string{
	time.Sunday:    "domingo",
	time.Monday:    "segunda-feira",
	time.Tuesday:   "terça-feira",
	time.Wednesday: "quarta-feira",
	time.Thursday:  "quinta-feira",
	time.Friday:    "sexta-feira",
	time.Saturday:  "sábado",
}

func greetingReply(name string) string {
	return fmt.Sprintf("Olá *%s*! 👋\nSou o assistente virtual da Barbearia.\n\n"+
		"Para qual dia você gostaria de agendar?\n(Responda: *Hoje*, *Amanhã* ou uma data ex: *28/11*)", name)
}

func closedDayReply(d schedule.Date) string {
	return fmt.Sprintf("Não abrimos no dia *%s* (%s). 😕\n"+
		"Escolha outro dia: *Hoje*, *Amanhã* ou dia/mês (ex: 25/11).",
		schedule.FormatForDisplay(d), weekdayNames[d.Weekday()])
}

func timePromptReply(d schedule.Date) string {
	return fmt.Sprintf("Certo, dia *%s*. 🗓️\n\nQual horário você prefere?\n(Digite ex: *14:00* ou *15h30*)",
		schedule.FormatForDisplay(d))
}

func outsideHoursReply(h schedule.BusinessHours) string {
	return fmt.Sprintf("Atendemos das *%s* às *%s*. ⏰\nEscolha um horário dentro desse período (ex: *14:00*).",
		h.Start, h.End)
}

func timePassedReply(d schedule.Date, t schedule.Clock) string {
	return fmt.Sprintf("O horário das *%s* do dia *%s* já passou. ⏰\nEscolha um horário futuro.",
		t, schedule.FormatForDisplay(d))
}

func slotTakenReply(t schedule.Clock) string {
	return fmt.Sprintf("❌ Puxa, o horário das *%s* já está ocupado.\nPor favor, escolha outro horário.", t)
}

func confirmationReply(name string, d schedule.Date, t schedule.Clock) string {
	return fmt.Sprintf("✅ *Agendado com Sucesso!*\n\n👤 %s\n📅 %s\n⏰ %s\n\nTe aguardamos! 💈",
		name, schedule.FormatForDisplay(d), t)
}

func cancelledReply(d schedule.Date, t schedule.Clock) string {
	return fmt.Sprintf("🗑️ Agendamento do dia *%s* às *%s* cancelado.\nDigite *agendar* para marcar outro horário.",
		schedule.FormatForDisplay(d), t)
}
