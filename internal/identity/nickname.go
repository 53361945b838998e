package identity

import "strings"

// Question identifiers configured on the Pretix event.
const (
	AnswerPrimaryName     = "primary_name"
	AnswerAdditionalNames = "additional_names"
	AnswerEastAsianOrder  = "east_asian_name_order"
	AnswerTeam            = "team"
	AnswerSponsor         = "sponsor"
)

// answerTrue is how Pretix serialises a ticked boolean question.
const answerTrue = "True"

// DeriveNickname builds the server nickname from the order answers.  It
// returns nil when the attendee gave no primary name.  Names are joined
// family-name-first when the east asian name order question was ticked.
func DeriveNickname(answers map[string]string) *string {
	primary, ok := answers[AnswerPrimaryName]
	if !ok {
		return nil
	}
	additional := answers[AnswerAdditionalNames]

	var nick string
	if answers[AnswerEastAsianOrder] == answerTrue {
		nick = additional + " " + primary
	} else {
		nick = primary + " " + additional
	}
	nick = strings.TrimSpace(nick)
	return &nick
}
