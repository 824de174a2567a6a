package orchestrator

import "strings"

var fallbackPool = map[string][]string{
	"fr": {
		"Âne philosophe\nMédite sous le vieux chêne\nSagesse simple",
		"Baudet tranquille\nPorte le poids de la vie\nPas après pas",
		"Oreilles dressées\nÉcoutent le vent qui passe\nMoment présent",
	},
	"en": {
		"Donkey philosopher\nMeditates under old oak\nSimple wisdom flows",
		"Peaceful mule carries\nLife's burden step by step\nQuiet strength endures",
		"Ears raised high, listening\nTo the passing wind's whisper\nPresent moment speaks",
	},
}

// FallbackPool returns the static artifacts for language, using the
// default language's pool when none exists
func FallbackPool(language string) []string {
	if pool, ok := fallbackPool[language]; ok {
		return pool
	}
	return fallbackPool[DefaultLanguage]
}

var authorsByModel = map[string]map[string]string{
	"claude-3-5-haiku-20241022": {"fr": "Claude Haiku 3.5", "en": "Claude Haiku 3.5"},
	"claude-3-haiku-20240307":   {"fr": "Claude Haiku 3", "en": "Claude Haiku 3"},
	"unknown":                   {"fr": "Maître du Haïku", "en": "Haiku Master"},
	"default":                   {"fr": "Claude Haiku", "en": "Claude Haiku"},
}

// AuthorFor returns the display author credited for a model's artifacts
func AuthorFor(modelID, language string) string {
	pick := func(names map[string]string) string {
		if n, ok := names[language]; ok {
			return n
		}
		return names[DefaultLanguage]
	}
	if names, ok := authorsByModel[modelID]; ok {
		return pick(names)
	}
	if strings.Contains(strings.ToLower(modelID), "haiku") {
		return pick(authorsByModel["default"])
	}
	return pick(authorsByModel["unknown"])
}
