// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package despacho

import (
	"fmt"
	"strings"

	"github.com/hashicorp/despacho/despacho/structs"
)

// Chat copy, PT-BR. All rendering is pure string building; the session
// layer decides what to send and when.

const (
	msgGreet           = "Olá! Informe seu ID de motorista."
	msgInvalidID       = "ID não encontrado. Verifique e envie novamente."
	msgInvalidOption   = "Opção inválida."
	msgSessionClosed   = "Sessão encerrada."
	msgInactivityClose = "Sessão encerrada por inatividade."
	msgAlreadyAssigned = "Você já possui uma rota atribuída."
	msgRouteTaken      = "Rota indisponível, escolha outra."
	msgNoRoutes        = "Nenhuma rota disponível no momento."
	msgSyncWait        = "Sincronização em andamento, aguarde alguns minutos."
	msgSyncPassword    = "Informe a senha de sincronização."
	msgSyncStarted     = "Sincronização iniciada."
	msgSyncBadPassword = "Senha incorreta."
	msgEmptyLog        = "Nenhum evento registrado hoje."

	msgMainMenu = "1 - Pegar rota\n2 - Ajuda\n\nEnvie \"encerrar\" para sair."

	msgHelpMenu = "Ajuda:\n" +
		"1 - Como funciona a fila?\n" +
		"2 - Como escolher uma rota?\n" +
		"3 - Problemas com o veículo\n" +
		"4 - Falar com o suporte\n\n" +
		"Envie \"voltar\" para o menu principal."
)

// faqAnswers maps help-menu options to their static answers.
var faqAnswers = map[string]string{
	"1": "A fila atende um motorista por vez, por ordem de prioridade. Aguarde sua vez.",
	"2": "Quando for sua vez, envie o número da rota desejada.",
	"3": "Problemas com o veículo devem ser informados ao seu supervisor.",
	"4": "Suporte: fale com a central pelo telefone fixado no galpão.",
}

func renderGreeting(name string) string {
	return fmt.Sprintf("Olá, %s!", name)
}

func renderQueuePosition(pos int) string {
	return fmt.Sprintf("Você está na fila (posição %d).", pos)
}

func renderRoutes(routes []structs.RouteRef) string {
	var b strings.Builder
	b.WriteString("Rotas disponíveis:\n")
	for i, r := range routes {
		fmt.Fprintf(&b, "%d - %s (%s)\n", i+1, r.Description, r.ID)
	}
	b.WriteString("\nEnvie o número da rota desejada ou \"encerrar\" para sair.")
	return b.String()
}

func renderClaimed(routeID string) string {
	return fmt.Sprintf("Rota %s é sua! Boa entrega.", routeID)
}
