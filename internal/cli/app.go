// Package cli implements authctl, the operator tool that bootstraps and
// administers accounts directly against the store.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/estateauth/internal/server/models"
	"github.com/dmitrijs2005/estateauth/internal/server/services"
	"github.com/dmitrijs2005/estateauth/internal/server/validation"
)

// ErrUsage is returned for unknown commands or missing arguments.
var ErrUsage = errors.New("usage error")

const usage = `usage: authctl <command> [args] [flags]

commands:
  migrate                       apply database migrations
  create-user [ROLE]            create an account (default role ADMIN)
  set-role <user-id> <ROLE>     change the role of an account
  set-status <user-id> <STATUS> change the status of an account
  purge-tokens                  delete expired refresh tokens
  help                          show this message
`

type App struct {
	users    *services.UserService
	sessions *services.SessionService
	migrate  func(ctx context.Context) error
	reader   *bufio.Reader
	out      io.Writer
}

// NewApp returns the command runner. migrate applies the schema; prompts
// read from in and results go to out.
func NewApp(us *services.UserService, ss *services.SessionService, migrate func(ctx context.Context) error, in io.Reader, out io.Writer) *App {
	return &App{
		users:    us,
		sessions: ss,
		migrate:  migrate,
		reader:   bufio.NewReader(in),
		out:      out,
	}
}

// Run executes the command named by args[0]. Trailing flags are ignored;
// they belong to the configuration loader.
func (a *App) Run(ctx context.Context, args []string) error {
	args = positional(args)
	if len(args) == 0 {
		fmt.Fprint(a.out, usage)
		return ErrUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "migrate":
		return a.Migrate(ctx)
	case "create-user":
		role := models.RoleAdmin
		if len(rest) > 0 {
			role = models.Role(strings.ToUpper(rest[0]))
		}
		return a.CreateUser(ctx, role)
	case "set-role":
		if len(rest) != 2 {
			return a.usageError("set-role needs <user-id> <ROLE>")
		}
		return a.SetRole(ctx, rest[0], models.Role(strings.ToUpper(rest[1])))
	case "set-status":
		if len(rest) != 2 {
			return a.usageError("set-status needs <user-id> <STATUS>")
		}
		return a.SetStatus(ctx, rest[0], models.Status(strings.ToUpper(rest[1])))
	case "purge-tokens":
		return a.PurgeTokens(ctx)
	case "help", "-h", "--help":
		fmt.Fprint(a.out, usage)
		return nil
	default:
		return a.usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}

// positional returns the leading arguments up to the first flag.
func positional(args []string) []string {
	for i, arg := range args {
		if strings.HasPrefix(arg, "-") && arg != "-h" && arg != "--help" {
			return args[:i]
		}
	}
	return args
}

func (a *App) usageError(msg string) error {
	fmt.Fprintf(a.out, "%s\n\n%s", msg, usage)
	return fmt.Errorf("%w: %s", ErrUsage, msg)
}

func (a *App) Migrate(ctx context.Context) error {
	if err := a.migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "migrations applied")
	return nil
}

// CreateUser prompts for the account details and creates an account with
// role. The password is asked twice.
func (a *App) CreateUser(ctx context.Context, role models.Role) error {
	if !role.Valid() {
		return a.usageError(fmt.Sprintf("unknown role %q", role))
	}

	email, err := GetSimpleText(a.reader, "Email", a.out)
	if err != nil {
		return err
	}
	first, err := GetSimpleText(a.reader, "First name", a.out)
	if err != nil {
		return err
	}
	last, err := GetSimpleText(a.reader, "Last name", a.out)
	if err != nil {
		return err
	}
	pw, err := GetPassword(a.reader, "Password", a.out)
	if err != nil {
		return err
	}
	confirm, err := GetPassword(a.reader, "Repeat password", a.out)
	if err != nil {
		return err
	}
	if pw != confirm {
		return errors.New("passwords do not match")
	}

	err = validation.Register.Validate(map[string]string{
		"email":     email,
		"password":  pw,
		"firstName": first,
		"lastName":  last,
	})
	if err != nil {
		var verr *validation.Error
		if errors.As(err, &verr) {
			for _, f := range verr.Fields {
				fmt.Fprintf(a.out, "  %s: %s\n", f.Field, f.Message)
			}
		}
		return err
	}

	user, err := a.users.CreateUser(ctx, services.RegisterInput{
		Email:     email,
		Password:  pw,
		FirstName: first,
		LastName:  last,
	}, role)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.out, "created %s %s (%s)\n", user.Role, user.Email, user.ID)
	return nil
}

func (a *App) SetRole(ctx context.Context, userID string, role models.Role) error {
	user, err := a.users.SetRole(ctx, userID, role)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s is now %s\n", user.Email, user.Role)
	return nil
}

func (a *App) SetStatus(ctx context.Context, userID string, status models.Status) error {
	user, err := a.users.SetStatus(ctx, userID, status)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s is now %s\n", user.Email, user.Status)
	return nil
}

func (a *App) PurgeTokens(ctx context.Context) error {
	n, err := a.sessions.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "purged %d expired refresh tokens\n", n)
	return nil
}
