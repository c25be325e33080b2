package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/services"
)

// ShellOptions configures an interactive session.
type ShellOptions struct {
	User         string
	Database     string
	DefectNumber string
	SessionID    string
	Admin        bool
	// Interactive prints prompts; set when stdin is a terminal.
	Interactive bool
	Format      Format
}

// Shell reads batches and meta commands line by line. A batch is sent once a
// line ends with a semicolon.
type Shell struct {
	app      *App
	in       io.Reader
	out      io.Writer
	renderer *Renderer
	opts     ShellOptions
}

// NewShell creates a shell bound to one session.
func NewShell(a *App, in io.Reader, out io.Writer, opts ShellOptions) *Shell {
	if opts.Database == "" {
		opts.Database = a.DefaultDatabase()
	}
	if opts.SessionID == "" {
		opts.SessionID = opts.User
	}
	return &Shell{
		app:      a,
		in:       in,
		out:      out,
		renderer: NewRenderer(out, opts.Format).WithPendingHint(ShellPendingHint),
		opts:     opts,
	}
}

const shellHelp = `Statements end with ';'. Meta commands:
  \confirm [audit-id]  commit the pending batch
  \reject [audit-id]   discard the pending batch
  \pending             show the pending batch
  \db <name>           switch logical database
  \defect <id>         set the defect number
  \databases           list logical databases
  \help                show this help
  \quit                exit`

// Run processes input until EOF, \quit or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var buf strings.Builder
	s.prompt(buf.Len() > 0)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if buf.Len() == 0 && strings.HasPrefix(trimmed, `\`) {
			quit, err := s.meta(ctx, trimmed)
			if err != nil {
				fmt.Fprintf(s.out, "Error: %s\n", errors.GetMessage(err))
			}
			if quit {
				return nil
			}
			s.prompt(false)
			continue
		}

		if trimmed != "" {
			buf.WriteString(line)
			buf.WriteByte('\n')
		}
		if strings.HasSuffix(trimmed, ";") {
			s.execute(ctx, buf.String())
			buf.Reset()
		}
		s.prompt(buf.Len() > 0)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	if strings.TrimSpace(buf.String()) != "" {
		s.execute(ctx, buf.String())
	}
	return nil
}

func (s *Shell) prompt(continuation bool) {
	if !s.opts.Interactive {
		return
	}
	if continuation {
		fmt.Fprint(s.out, "      -> ")
		return
	}
	fmt.Fprintf(s.out, "%s> ", s.opts.Database)
}

func (s *Shell) execute(ctx context.Context, query string) {
	res, err := s.app.Exec(ctx, ExecRequest{
		ExecuteRequest: services.ExecuteRequest{
			Query:        query,
			Database:     s.opts.Database,
			User:         s.opts.User,
			DefectNumber: s.opts.DefectNumber,
			SessionID:    s.opts.SessionID,
		},
		Admin: s.opts.Admin,
	})
	if err != nil {
		fmt.Fprintf(s.out, "Error: %s\n", errors.GetMessage(err))
		return
	}
	if err := s.renderer.Execution(res); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
}

func (s *Shell) meta(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case `\q`, `\quit`, `\exit`:
		return true, nil
	case `\help`, `\?`:
		fmt.Fprintln(s.out, shellHelp)
	case `\databases`:
		for _, name := range s.app.Databases() {
			fmt.Fprintln(s.out, name)
		}
	case `\db`:
		if len(args) != 1 {
			return false, fmt.Errorf(`usage: \db <name>`)
		}
		name, _, err := s.app.provider.Resolve(args[0])
		if err != nil {
			return false, err
		}
		s.opts.Database = name
		fmt.Fprintf(s.out, "Using %s.\n", name)
	case `\defect`:
		if len(args) != 1 {
			return false, fmt.Errorf(`usage: \defect <id>`)
		}
		s.opts.DefectNumber = args[0]
		fmt.Fprintf(s.out, "Defect number set to %s.\n", args[0])
	case `\pending`:
		batch, err := s.app.Pending(ctx, s.opts.SessionID)
		if err != nil {
			return false, err
		}
		return false, s.renderer.Pending(batch)
	case `\confirm`:
		auditID, err := optionalID(args)
		if err != nil {
			return false, err
		}
		res, err := s.app.Confirm(ctx, s.opts.SessionID, auditID, s.opts.User)
		if err != nil {
			return false, err
		}
		return false, s.renderer.Confirm(res)
	case `\reject`:
		auditID, err := optionalID(args)
		if err != nil {
			return false, err
		}
		res, err := s.app.Reject(ctx, s.opts.SessionID, auditID)
		if err != nil {
			return false, err
		}
		return false, s.renderer.Reject(res)
	default:
		return false, fmt.Errorf(`unknown command %s, try \help`, cmd)
	}
	return false, nil
}

func optionalID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, nil
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid audit id %q", args[0])
	}
	return id, nil
}
