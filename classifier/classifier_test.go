package classifier

import (
	"reflect"
	"testing"
)

func TestShouldTrackCommand(t *testing.T) {
	cases := []struct {
		name string
		line string
		want bool
	}{
		{"empty", "", false},
		{"too short", "ls", false},
		{"npm run dev", "npm run dev", true},
		{"yarn start", "yarn start", true},
		{"vite", "vite", true},
		{"plain ls -la", "ls -la", false},
		{"jest without watch", "jest", false},
		{"jest with --watch", "jest --watch", true},
		{"jest with -w", "jest -w", true},
		{"go test without watch", "go test ./...", false},
		// \b before "--" needs a word character right before the dashes, so a
		// space-separated generic flag is not matched by those patterns.
		{"generic --hot flag", "some-tool --hot", false},
		{"generic --dev flag", "some-tool --dev", false},
		{"python http.server", "python3 -m http.server 8000", true},
		{"python uvicorn", "python -m uvicorn app:app --reload", true},
		{"tail -f", "tail -f /var/log/syslog", true},
		{"plain cat", "cat file.txt", false},
		{"docker run", "docker run -it ubuntu bash", true},
		{"docker-compose up", "docker-compose up -d", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ShouldTrackCommand(c.line); got != c.want {
				t.Errorf("ShouldTrackCommand(%q) = %v, want %v", c.line, got, c.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name string
		line string
		want ParsedCommand
	}{
		{"simple", "npm run dev", ParsedCommand{"npm", []string{"run", "dev"}}},
		{"collapsed whitespace", "npm   run    dev", ParsedCommand{"npm", []string{"run", "dev"}}},
		{"quoted arg", `echo "hello world"`, ParsedCommand{"echo", []string{"hello world"}}},
		{"empty", "", ParsedCommand{}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ParseCommand(c.line)
			if !reflect.DeepEqual(got, c.want) {
				t.Errorf("ParseCommand(%q) = %+v, want %+v", c.line, got, c.want)
			}
		})
	}
}

func TestIsDevelopmentServer(t *testing.T) {
	if !IsDevelopmentServer("npm run dev") {
		t.Error("expected npm run dev to be a dev server")
	}
	if IsDevelopmentServer("go test -w") {
		t.Error("did not expect go test to be a dev server")
	}
}
