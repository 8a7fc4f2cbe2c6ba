package orcstream

import (
	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-avatar/core/answers"
)

type requestBody struct {
	ConversationID      string        `json:"conversation_id"`
	Question            string        `json:"question"`
	TextOnly            bool          `json:"text_only"`
	ClientPrincipalID   string        `json:"client_principal_id,omitempty"`
	ClientPrincipalName string        `json:"client_principal_name,omitempty"`
	ClientGroupNames    []string      `json:"client_group_names,omitempty"`
	AccessToken         string        `json:"access_token,omitempty"`
	History             []historyTurn `json:"history,omitempty"`
}

type historyTurn struct {
	Role string `json:"role"`
	Text string `json:"content"`
}

// Principal identifies the user on whose behalf questions are asked.
type Principal struct {
	ID          string
	Name        string
	GroupNames  []string
	AccessToken string
}

func toHistory(turns []answers.Turn) []historyTurn {
	if len(turns) == 0 {
		return nil
	}

	var history []historyTurn
	copier.Copy(&history, turns)
	return history
}
