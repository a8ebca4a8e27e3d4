package interpreter

import "github.com/satriahrh/drivebrief/domain/entities"

// DefaultEntitySchemas lists the entity keys each intent may carry.
func DefaultEntitySchemas() map[string][]string {
	return map[string][]string{
		string(entities.ActionSearch):            {"query", "category", "source"},
		string(entities.ActionSelectArticle):     {"number"},
		string(entities.ActionNavigation):        {"direction"},
		string(entities.ActionPlaybackControl):   {"action"},
		string(entities.ActionVolumeControl):     {"direction", "level"},
		string(entities.ActionHelp):              {"topic"},
		string(entities.ActionStartConversation): {"topic"},
		string(entities.ActionEndConversation):   {},
		string(entities.ActionUnknown):           {},
	}
}

// DefaultIntents lists every action type as an allowed intent.
func DefaultIntents() []string {
	out := make([]string, 0, len(entities.AllActionTypes))
	for _, t := range entities.AllActionTypes {
		out = append(out, string(t))
	}
	return out
}
