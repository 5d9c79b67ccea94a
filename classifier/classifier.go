// Package classifier implements pure, stateless classification of shell
// command lines: whether a line is worth handing to the process supervisor,
// and whether it looks like a development server that should auto-restart.
package classifier

import (
	"regexp"
	"strings"
)

// longRunningPrefixes are command lines that are always tracked regardless
// of flags.
var longRunningPrefixes = []string{
	"npm run dev",
	"npm start",
	"yarn dev",
	"yarn start",
	"pnpm dev",
	"pnpm start",
	"next dev",
	"vite",
	"webpack serve",
	"webpack-dev-server",
	"nodemon",
	"ts-node-dev",
	"tsx watch",
	"python manage.py runserver",
	"rails server",
	"php -S",
	"serve",
	"http-server",
	"live-server",
	"docker-compose up",
	"docker run",
}

// watchablePrefixes are test/build runners that are only tracked when
// invoked with an explicit watch flag.
var watchablePrefixes = []string{
	"jest",
	"mocha",
	"vitest",
	"pytest",
	"cargo test",
	"go test",
	"npm test",
	"yarn test",
	"tsc",
}

var watchFlag = regexp.MustCompile(`(^|\s)(--watch|-w)(\s|$)`)

var longRunningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b--watch\b`),
	regexp.MustCompile(`\b--hot\b`),
	regexp.MustCompile(`\b--reload\b`),
	regexp.MustCompile(`\b--dev\b`),
	regexp.MustCompile(`\b--serve\b`),
	regexp.MustCompile(`serve.*--`),
	regexp.MustCompile(`python.*-m.*http\.server`),
	regexp.MustCompile(`python.*-m.*uvicorn`),
	regexp.MustCompile(`python.*-m.*gunicorn`),
	regexp.MustCompile(`-p\s+\d+.*--`),
	regexp.MustCompile(`--port\s+\d+`),
	regexp.MustCompile(`tail\s+-f`),
	regexp.MustCompile(`watch\s+`),
}

// devServerPrefixes are the subset of long-running prefixes that mark an
// interactive development server, as opposed to a one-shot watcher or a
// foreground tail. The supervisor sets autoRestart=true for these.
var devServerPrefixes = []string{
	"npm run dev",
	"npm start",
	"yarn dev",
	"yarn start",
	"pnpm dev",
	"pnpm start",
	"next dev",
	"vite",
	"webpack serve",
	"webpack-dev-server",
	"nodemon",
	"ts-node-dev",
	"tsx watch",
	"python manage.py runserver",
	"rails server",
	"php -S",
}

// ShouldTrackCommand reports whether line should be handed to the process
// supervisor as a long-running command.
func ShouldTrackCommand(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 3 {
		return false
	}

	for _, p := range longRunningPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}

	for _, p := range watchablePrefixes {
		if strings.HasPrefix(trimmed, p) && watchFlag.MatchString(trimmed) {
			return true
		}
	}

	for _, re := range longRunningPatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}

	return false
}

// IsDevelopmentServer reports whether line matches one of the prefixes that
// mark an interactive dev server, for which the supervisor should default
// autoRestart to true.
func IsDevelopmentServer(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, p := range devServerPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}

// ParsedCommand is the result of splitting a command line into its
// executable and arguments.
type ParsedCommand struct {
	Command string
	Args    []string
}

// ParseCommand splits line on whitespace, collapsing runs of whitespace,
// and quote-aware so that a quoted argument containing spaces stays intact.
func ParseCommand(line string) ParsedCommand {
	tokens := tokenize(strings.TrimSpace(line))
	if len(tokens) == 0 {
		return ParsedCommand{}
	}
	return ParsedCommand{Command: tokens[0], Args: tokens[1:]}
}

// tokenize splits on whitespace outside of single or double quotes, matching
// the teacher's quote-aware command tokenizer.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune
	inToken := false

	flush := func() {
		if inToken {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inToken = false
		}
	}

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			inToken = true
			cur.WriteRune(r)
		}
	}
	flush()
	return tokens
}
