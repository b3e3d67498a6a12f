package capability

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/tollgate/internal/records"
	"github.com/nugget/tollgate/internal/session"
)

// Deps are the collaborators the built-in handlers use. Nil fields
// disable the handlers that need them.
type Deps struct {
	Records *records.Store
	Status  func(ctx context.Context) string
}

var eightBallAnswers = []string{
	"It is certain.", "It is decidedly so.", "Without a doubt.",
	"Yes - definitely.", "You may rely on it.", "As I see it, yes.",
	"Most likely.", "Outlook good.", "Yes.", "Signs point to yes.",
	"Reply hazy, try again.", "Ask again later.", "Better not tell you now.",
	"Cannot predict now.", "Concentrate and ask again.",
	"Don't count on it.", "My reply is no.", "My sources say no.",
	"Outlook not so good.", "Very doubtful.",
}

// RegisterBuiltins adds the stock handlers to c.
func RegisterBuiltins(c *Catalog, deps Deps) error {
	handlers := map[string]Handler{
		"ping":      handlePing,
		"roll":      handleRoll,
		"eightball": handleEightBall,
		"help":      handleHelp,
	}
	if deps.Records != nil {
		handlers["remember"] = rememberHandler(deps.Records)
		handlers["recall"] = recallHandler(deps.Records)
		handlers["forget"] = forgetHandler(deps.Records)
		handlers["memory_stats"] = memoryStatsHandler(deps.Records)
	}
	if deps.Status != nil {
		handlers["status"] = func(ctx context.Context, args map[string]any) (string, error) {
			return deps.Status(ctx), nil
		}
	}

	var errs []error
	for name, h := range handlers {
		errs = append(errs, c.Register(name, h))
	}
	return errors.Join(errs...)
}

func argString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func argInt(args map[string]any, key string, def int) (int, error) {
	switch v := args[key].(type) {
	case nil:
		return def, nil
	case float64:
		return int(v), nil
	case string:
		if v == "" {
			return def, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a whole number, got %q", key, v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%s must be a number", key)
}

func handlePing(ctx context.Context, args map[string]any) (string, error) {
	return "pong", nil
}

// handleRoll rolls dice written as NdM (default 2d6).
func handleRoll(ctx context.Context, args map[string]any) (string, error) {
	spec := strings.ToLower(argString(args, "input"))
	if spec == "" {
		spec = "2d6"
	}
	countStr, sidesStr, ok := strings.Cut(spec, "d")
	if !ok {
		return "", fmt.Errorf("dice must look like 2d6, got %q", spec)
	}
	count := 1
	if countStr != "" {
		n, err := strconv.Atoi(countStr)
		if err != nil {
			return "", fmt.Errorf("dice count %q is not a number", countStr)
		}
		count = n
	}
	sides, err := strconv.Atoi(sidesStr)
	if err != nil {
		return "", fmt.Errorf("dice sides %q is not a number", sidesStr)
	}
	if count < 1 || count > 100 || sides < 2 || sides > 1000 {
		return "", fmt.Errorf("dice out of range: %dd%d", count, sides)
	}

	rolls := make([]string, count)
	total := 0
	for i := range rolls {
		r := rand.IntN(sides) + 1
		total += r
		rolls[i] = strconv.Itoa(r)
	}
	return fmt.Sprintf("%s: %s (total %d)", spec, strings.Join(rolls, " "), total), nil
}

func handleEightBall(ctx context.Context, args map[string]any) (string, error) {
	return eightBallAnswers[rand.IntN(len(eightBallAnswers))], nil
}

// callerKey resolves which record a memory handler works on: the
// caller's own record, or with scope=room the conversation's.
func callerKey(ctx context.Context, args map[string]any) (records.Key, *session.Session, error) {
	s := session.FromContext(ctx)
	if s == nil {
		return records.Key{}, nil, errors.New("this command needs an active conversation")
	}
	if argString(args, "scope") == "room" {
		if s.ScopeID == "" {
			return records.Key{}, nil, errors.New("this conversation has no room scope")
		}
		return records.Key{Scope: records.ScopeRoom, ID: s.ScopeID}, s, nil
	}
	return records.Key{Scope: records.ScopeOwner, ID: s.OwnerID}, s, nil
}

func rememberHandler(store *records.Store) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		key, s, err := callerKey(ctx, args)
		if err != nil {
			return "", err
		}
		content := argString(args, "content")
		if content == "" {
			content = argString(args, "input")
		}
		if content == "" {
			return "", errors.New("nothing to remember")
		}
		var tags []string
		for _, t := range strings.Split(argString(args, "tags"), ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		e, err := store.Append(ctx, key, records.Entry{
			OwnerID: s.OwnerID,
			ScopeID: s.ScopeID,
			Content: content,
			Context: argString(args, "context"),
			Tags:    tags,
		})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Remembered (%s).", e.ID), nil
	}
}

func recallHandler(store *records.Store) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		key, _, err := callerKey(ctx, args)
		if err != nil {
			return "", err
		}
		days, err := argInt(args, "days", 30)
		if err != nil {
			return "", err
		}
		limit, err := argInt(args, "limit", 10)
		if err != nil {
			return "", err
		}
		query := argString(args, "query")
		if query == "" {
			query = argString(args, "input")
		}

		q := records.Query{Text: query, Limit: limit}
		if days > 0 {
			q.Since = time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		}
		hits, err := store.Search(ctx, key, q)
		if err != nil {
			return "", err
		}
		if len(hits) == 0 {
			return "No memories found.", nil
		}
		var sb strings.Builder
		for _, e := range hits {
			fmt.Fprintf(&sb, "- %s (%s, %s)\n", e.Content, e.CreatedAt.Format(time.DateOnly), e.ID)
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
}

func forgetHandler(store *records.Store) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		key, s, err := callerKey(ctx, args)
		if err != nil {
			return "", err
		}
		id := argString(args, "id")
		if id == "" {
			id = argString(args, "input")
		}
		if id == "" {
			return "", errors.New("which memory? pass its id")
		}
		removed, err := store.Delete(ctx, key, id, s.OwnerID)
		if err != nil {
			return "", err
		}
		if !removed {
			return "No such memory of yours.", nil
		}
		return "Forgotten.", nil
	}
}

func memoryStatsHandler(store *records.Store) Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		key, _, err := callerKey(ctx, args)
		if err != nil {
			return "", err
		}
		st, err := store.Stats(key)
		if err != nil {
			return "", err
		}
		if st.Count == 0 {
			return "No memories stored.", nil
		}
		return fmt.Sprintf("%d memories, oldest %s, newest %s, average importance %.2f",
			st.Count, st.Oldest.Format(time.DateOnly), st.Newest.Format(time.DateOnly), st.AvgImportance), nil
	}
}

// handleHelp lists the capabilities of the snapshot serving the call.
func handleHelp(ctx context.Context, args map[string]any) (string, error) {
	snap := SnapshotFromContext(ctx)
	if snap == nil {
		return "", errors.New("no capability table in context")
	}
	var sb strings.Builder
	for _, name := range snap.Names() {
		c, _ := snap.Lookup(name)
		fmt.Fprintf(&sb, "!%s - %s\n", c.Name, c.Description)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}
