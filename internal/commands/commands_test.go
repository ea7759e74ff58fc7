package commands

import (
	"context"
	"floppa/internal/backup"
	"floppa/internal/blob"
	"floppa/internal/core"
	"floppa/internal/infra/persistence/memory"
	"floppa/pkg/domain"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

const (
	admin domain.UserID = 1
	alice domain.UserID = 2
	bob   domain.UserID = 3
	added int64         = 1700000000
)

type fixedCounter uint64

func (c fixedCounter) Reactions() uint64 { return uint64(c) }

// newService loads an empty registry and installs every built-in under its
// own tag, owned by admin.
func newService(t *testing.T, deps Deps) *core.Service {
	t.Helper()
	ctx := context.Background()
	types := core.NewTypeRegistry()
	if err := Register(types, deps); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := core.NewService(memory.NewStore(), types,
		core.WithAdmins(admin),
		core.WithClock(core.ClockFunc(func() time.Time { return time.Unix(added, 0) })),
	)
	if err := svc.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if n, err := Install(ctx, svc, admin); err != nil || n != len(Defaults) {
		t.Fatalf("install: %d %v", n, err)
	}
	return svc
}

// run resolves text from the root registry and executes it as author.
// Resolution failures come back as their user-facing description.
func run(t *testing.T, svc *core.Service, author domain.UserID, text string) string {
	t.Helper()
	reply, err := tryRun(svc, author, text)
	if err != nil {
		t.Fatalf("%q: %v", text, err)
	}
	return reply
}

func tryRun(svc *core.Service, author domain.UserID, text string) (string, error) {
	ctx := context.Background()
	res := svc.Resolve(ctx, domain.RootRegistry, text)
	if res.Status != core.StatusSuccess {
		return res.Describe(), nil
	}
	reply, err := svc.Execute(ctx, res, core.Caller{Author: author, ChannelID: "chan"})
	return reply.Text, err
}

func expect(t *testing.T, svc *core.Service, author domain.UserID, text, want string) {
	t.Helper()
	if got := run(t, svc, author, text); got != want {
		t.Fatalf("%q: got %q, want %q", text, got, want)
	}
}

func TestInstallSkipsExisting(t *testing.T) {
	svc := newService(t, Deps{})
	ctx := context.Background()
	if _, err := svc.Remove(ctx, admin, domain.RootRegistry, TypeWiki); err != nil {
		t.Fatalf("remove: %v", err)
	}
	n, err := Install(ctx, svc, admin)
	if err != nil || n != 1 {
		t.Fatalf("expected only wiki reinstalled, got %d %v", n, err)
	}
	if _, err := Install(ctx, svc, bob); err != nil {
		t.Fatalf("install with nothing missing should not check permissions: %v", err)
	}
}

func TestAddAndInvokeText(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, admin, "add ping pong", "Added command `ping`")
	expect(t, svc, bob, "ping", "pong")
	expect(t, svc, bob, "PING trailing words", "pong")
	expect(t, svc, admin, "add ping again", "⚠️ `ping` is already a command")
	expect(t, svc, admin, "add bad! x", "Command names must consist of alphanumeric characters or `-`, `_`")
	expect(t, svc, admin, "add lonely", "Usage: `add (name) (body)`\nor `add (name) --[type] [json data]`")
}

func TestAddTypedCommands(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, admin, "add greet --[text] hello   world", "Added command `greet`")
	expect(t, svc, bob, "greet", "hello   world")
	expect(t, svc, admin, "add ver --[version]", "Added command `ver`")
	expect(t, svc, bob, "ver", "Floppa is running on version `dev`")
	expect(t, svc, admin, "add x --[nope] {}", "⚠️ `nope` is not a valid command type")
	expect(t, svc, admin, "add x --[text", "Usage: `add (name) (body)`\nor `add (name) --[type] [json data]`")

	got := run(t, svc, admin, "add j --[info] {bad")
	if !strings.HasPrefix(got, "⚠️ Error deserialising json data:") {
		t.Fatalf("unexpected reply for bad json: %q", got)
	}
	if svc.Table().Exists(domain.RootRegistry, "j") {
		t.Fatalf("command with bad json must not be added")
	}
}

func TestAddRequiresRole(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, alice, "add mine body", "⛔ You are not allowed to do that")
	expect(t, svc, admin, "role <@2> add:root", "Gave role `add:root` to <@2>")
	expect(t, svc, alice, "add mine body", "Added command `mine`")
	e, ok := svc.Table().Get(domain.RootRegistry, "mine")
	if !ok || e.Owner() != alice {
		t.Fatalf("expected mine owned by alice, got %v %v", ok, e)
	}
}

func TestEditCommand(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, admin, "role 2 add:root", "Gave role `add:root` to <@2>")
	expect(t, svc, alice, "add mine first", "Added command `mine`")
	expect(t, svc, alice, "edit mine second", "Edited command `mine`")
	expect(t, svc, bob, "mine", "second")
	expect(t, svc, bob, "edit mine stolen", "⛔ You are not allowed to do that")
	expect(t, svc, admin, "edit mine moderated", "Edited command `mine`")
	expect(t, svc, bob, "mine", "moderated")
	expect(t, svc, alice, "edit missing x", "⚠️ `missing` is not a command")
	expect(t, svc, admin, "edit version x", "⚠️ `version` is not a text command")
	expect(t, svc, admin, "edit mine", "Usage: `edit (name) (body)`")
}

func TestRemoveCommand(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, admin, "role 2 add:root", "Gave role `add:root` to <@2>")
	expect(t, svc, alice, "add mine body", "Added command `mine`")
	expect(t, svc, bob, "remove mine", "⛔ You are not allowed to do that")
	expect(t, svc, alice, "remove mine", "Deleted command `mine`")
	expect(t, svc, bob, "mine", "Command `mine` not found.")
	expect(t, svc, alice, "remove nothing", "⚠️ Failed to find command `nothing`")
	expect(t, svc, admin, "remove games:nothing", "⚠️ Failed to find command `nothing` in registry `games`")
	expect(t, svc, admin, "remove", "Usage: `remove [registry:](command)`")
}

func TestLinkCommand(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, admin, "add ping pong", "Added command `ping`")
	expect(t, svc, admin, "link p ping", "Added link to `ping` called `p`")
	expect(t, svc, bob, "p", "pong")
	expect(t, svc, admin, "link q nothing", "⚠️ `root:nothing` doesn't exist")
	expect(t, svc, admin, "link p ping", "⚠️ `p` is already a command")
	expect(t, svc, bob, "link r ping", "⛔ You are not allowed to do that")
	expect(t, svc, admin, "link r", "Usage: `link (name) [registry:](destination)`")
}

func TestSubregistryScope(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, admin, "add ping pong", "Added command `ping`")
	expect(t, svc, admin, "subreg games games", "Added subregistry `games` as `games`")
	expect(t, svc, bob, "games", "`games` needs a subcommand.")

	// add is found in root through parent fallback but adds to games.
	expect(t, svc, admin, "games add snake hiss", "Added command `snake`")
	if !svc.Table().Exists("games", "snake") || svc.Table().Exists(domain.RootRegistry, "snake") {
		t.Fatalf("snake should live only in games")
	}
	expect(t, svc, bob, "games snake", "hiss")
	expect(t, svc, bob, "games ping", "pong")
	expect(t, svc, bob, "snake", "Command `snake` not found.")
	expect(t, svc, bob, "games list", "Commands in `games`: `snake`")
	expect(t, svc, bob, "list games", "Commands in `games`: `snake`")
	expect(t, svc, bob, "subreg other other", "⛔ You are not allowed to do that")

	// Qualified names fold the registry half like the command half.
	expect(t, svc, admin, "link hss Games:Snake", "Added link to `snake` called `hss`")
	expect(t, svc, bob, "hss", "hiss")
	expect(t, svc, admin, "remove GAMES:snake", "Deleted command `snake` in registry `games`")
}

func TestRoleCommand(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, admin, "role <@!2> mod:root", "Gave role `mod:root` to <@2>")
	if !svc.Access().HasRole(alice, domain.RegistryMod(domain.RootRegistry)) {
		t.Fatalf("alice should moderate root")
	}
	expect(t, svc, admin, "role 2 -r mod:root", "Removed role `mod:root` from <@2>")
	expect(t, svc, admin, "role 2 mod:root -r", "<@2> does not have role `mod:root`")
	expect(t, svc, admin, "role someone admin", "Could not find user, only mentions or ids are valid")
	expect(t, svc, admin, "role 2 wizard", "Didn't understand role `wizard`")
	expect(t, svc, alice, "role 3 admin", "⛔ You are not allowed to do that")
	expect(t, svc, admin, "role", "Usage: `role (user) (role)`\nor `role (user) -r (role)`")
}

func TestInfoCommand(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, admin, "add ping pong", "Added command `ping`")
	expect(t, svc, admin, "link p ping", "Added link to `ping` called `p`")
	expect(t, svc, admin, "subreg games games", "Added subregistry `games` as `games`")
	expect(t, svc, admin, "games add snake hiss", "Added command `snake`")

	expect(t, svc, bob, "info ping", "Command `ping` (type `text`) was added at <t:1700000000:f>, and is owned by <@1>")
	expect(t, svc, bob, "info info", "Command `info` (type `info`) was added at <t:1700000000:f>, and is owned by <@1>")
	expect(t, svc, bob, "info p", "Command `p` (link to `root:ping`) was added at <t:1700000000:f>, and is owned by <@1>")
	expect(t, svc, bob, "info games", "Command `games` (subregistry `games`) was added at <t:1700000000:f>, and is owned by <@1>")
	expect(t, svc, bob, "info games:snake", "Command `snake` in registry `games` (type `text`) was added at <t:1700000000:f>, and is owned by <@1>")
	expect(t, svc, bob, "info nothing", "⚠️ Failed to find command `nothing`")
	expect(t, svc, bob, "info", "Usage: `info [registry:](command)`")
}

func TestListCommand(t *testing.T) {
	svc := newService(t, Deps{})
	expect(t, svc, admin, "add ping pong", "Added command `ping`")
	expect(t, svc, admin, "link p ping", "Added link to `ping` called `p`")
	expect(t, svc, admin, "subreg games games", "Added subregistry `games` as `games`")

	got := run(t, svc, bob, "list")
	if !strings.HasPrefix(got, "Commands in `root`: `add`, ") {
		t.Fatalf("unexpected list %q", got)
	}
	for _, want := range []string{"`games`/", "`p`→", "`ping`"} {
		if !strings.Contains(got, want) {
			t.Fatalf("list %q missing %s", got, want)
		}
	}
	expect(t, svc, bob, "list games", "Registry `games` has no commands")
	expect(t, svc, bob, "list nowhere", "⚠️ Registry `nowhere` does not exist")
}

func TestListTruncates(t *testing.T) {
	svc := newService(t, Deps{})
	ctx := context.Background()
	for i := range 200 {
		name := "command-with-a-long-name-" + strings.Repeat("x", i%5) + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if _, err := svc.AddCommand(ctx, admin, domain.RootRegistry, name, TypeText, []byte("x")); err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
	}
	got := run(t, svc, bob, "list")
	if !strings.Contains(got, " more") || len(got) > listLimit+200 {
		t.Fatalf("list was not truncated (%d bytes)", len(got))
	}
}

func TestVersionAndFlops(t *testing.T) {
	svc := newService(t, Deps{BotName: "Bingus", Version: "1.2.3", Commit: "abc123", Reactions: fixedCounter(1234567)})
	expect(t, svc, bob, "version", "Bingus is running on version `1.2.3`, commit `abc123`")
	expect(t, svc, bob, "flops", "1,234,567 flops reacted to since start")

	bare := newService(t, Deps{})
	expect(t, bare, bob, "flops", "0 flops reacted to since start")
}

func TestWikiCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			http.Error(w, "missing user agent", http.StatusForbidden)
			return
		}
		switch r.URL.Query().Get("srsearch") {
		case "go lang":
			_, _ = w.Write([]byte(`{"query":{"search":[{"title":"Go (programming language)"}]}}`))
		case "nothing":
			_, _ = w.Write([]byte(`{"query":{"search":[]}}`))
		case "garbage":
			_, _ = w.Write([]byte(`<html>`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	svc := newService(t, Deps{
		HTTPClient:   srv.Client(),
		WikiEndpoint: srv.URL + "/w/api.php?srsearch=",
		WikiPage:     "https://wiki.test/wiki/",
	})
	expect(t, svc, bob, "wiki go   lang", "https://wiki.test/wiki/"+url.PathEscape("Go_(programming_language)"))
	expect(t, svc, bob, "wiki nothing", "Could not find page.")
	expect(t, svc, bob, "wiki garbage", "Failed to decode response from Wikipedia")
	expect(t, svc, bob, "wiki", "Missing argument for wiki lookup")
	if _, err := tryRun(svc, bob, "wiki explode"); err == nil {
		t.Fatalf("expected an error for a failing search")
	}
}

func TestBackupCommand(t *testing.T) {
	ctx := context.Background()
	store, err := blob.Open(ctx, blob.Config{Driver: blob.DriverMemory}, "")
	if err != nil {
		t.Fatalf("open blob: %v", err)
	}
	manager := backup.NewManager(store)
	svc := newService(t, Deps{Backups: manager})
	expect(t, svc, admin, "add ping pong", "Added command `ping`")

	expect(t, svc, bob, "backup", "⛔ You are not allowed to do that")

	done := make(chan string, 1)
	go func() {
		reply, _ := tryRun(svc, admin, "backup")
		done <- reply
	}()
	var got string
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("backup command did not finish")
	}
	if !strings.HasPrefix(got, "Backup written to `backups/") || !strings.Contains(got, "(13 commands, 1 users,") {
		t.Fatalf("unexpected reply %q", got)
	}
	list, err := manager.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one backup, got %v %v", list, err)
	}
	doc, err := manager.Read(ctx, list[0].Key)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	found := false
	for _, row := range doc.Commands {
		if row.Name == "ping" && string(row.Data) == "pong" {
			found = true
		}
	}
	if !found {
		t.Fatalf("backup is missing ping: %+v", doc.Commands)
	}

	unconfigured := newService(t, Deps{})
	expect(t, unconfigured, admin, "backup", "⚠️ Backups are not configured")
}
