// Package localization holds the user-facing strings the server sends to clients
// (kick reasons, denials, command replies) and their translations.
package localization

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Message keys. The key is also the English text.
const (
	ServerFull        = "Server is full."
	WrongPassword     = "Incorrect password."
	VersionMismatch   = "You are not using the same version as this server."
	InvalidOperation  = "Invalid operation at this state."
	NoWorldAvailable  = "No world is available to join."
	ProtocolViolation = "Protocol violation: %s"
	ServerShutdown    = "Server is shutting down."
	ConnectionError   = "An error occurred on the server."
	BuildDenied       = "You do not have permission to build in %s."
	WorldsList        = "Worlds: %s"
	WorldNotFound     = "No world named %s is running."
	AlreadyInWorld    = "You are already in %s."
	MovingTo          = "Moving you to %s..."
	GotoUsage         = "Usage: %sgoto <world>"
	UnknownCommand    = "Unknown command: %s"
	PlayerJoinedWorld = "%s has joined %s."
	PlayerLeftWorld   = "%s has left."
)

var supported = []language.Tag{language.English, language.German}

var german = map[string]string{
	ServerFull:        "Der Server ist voll.",
	WrongPassword:     "Falsches Passwort.",
	VersionMismatch:   "Du verwendest nicht dieselbe Version wie dieser Server.",
	InvalidOperation:  "Ungültige Aktion in diesem Zustand.",
	NoWorldAvailable:  "Es ist keine Welt zum Beitreten verfügbar.",
	ProtocolViolation: "Protokollverletzung: %s",
	ServerShutdown:    "Der Server wird heruntergefahren.",
	ConnectionError:   "Auf dem Server ist ein Fehler aufgetreten.",
	BuildDenied:       "Du hast keine Berechtigung, in %s zu bauen.",
	WorldsList:        "Welten: %s",
	WorldNotFound:     "Es läuft keine Welt namens %s.",
	AlreadyInWorld:    "Du bist bereits in %s.",
	MovingTo:          "Du wirst nach %s verschoben...",
	GotoUsage:         "Verwendung: %sgoto <Welt>",
	UnknownCommand:    "Unbekannter Befehl: %s",
	PlayerJoinedWorld: "%s ist %s beigetreten.",
	PlayerLeftWorld:   "%s hat das Spiel verlassen.",
}

var (
	messages = catalog.NewBuilder(catalog.Fallback(language.English))
	matcher  = language.NewMatcher(supported)
)

func init() {
	for key, text := range german {
		if err := messages.SetString(language.English, key, key); err != nil {
			panic(err)
		}
		if err := messages.SetString(language.German, key, text); err != nil {
			panic(err)
		}
	}
}

// Match returns the supported language closest to lang, defaulting to English.
func Match(lang string) language.Tag {
	requested, err := language.Parse(lang)
	if err != nil {
		return language.English
	}
	_, index, confidence := matcher.Match(requested)
	if confidence == language.No {
		return language.English
	}
	return supported[index]
}

// Printer returns a printer for the language closest to lang.
func Printer(lang string) *message.Printer {
	return message.NewPrinter(Match(lang), message.Catalog(messages))
}

// Capitalize upper-cases the first letter of each word in s, for messages built
// from error text.
func Capitalize(lang, s string) string {
	return cases.Title(Match(lang)).String(s)
}
