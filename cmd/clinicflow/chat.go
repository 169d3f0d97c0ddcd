package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/clinicflow/internal/workflow"
	"github.com/aixgo-dev/clinicflow/pkg/conversation"
	"github.com/aixgo-dev/clinicflow/pkg/logging"
	"github.com/aixgo-dev/clinicflow/pkg/transport/httpapi"
)

type chatOptions struct {
	origin  string
	role    string
	user    string
	subject string
	consent bool
}

func newChatCmd(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to a locally built engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), root.configPath, opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.origin, "origin", string(conversation.OriginWebApp), "channel to talk through")
	f.StringVar(&opts.role, "role", string(conversation.RoleAdmin), "caller role")
	f.StringVar(&opts.user, "user", "u1", "caller id")
	f.StringVar(&opts.subject, "subject", "", "patient record owned by the caller")
	f.BoolVar(&opts.consent, "consent", false, "assert patient consent")
	return cmd
}

func (o *chatOptions) request() (workflow.Request, error) {
	origin := conversation.Origin(o.origin)
	if !origin.Valid() {
		return workflow.Request{}, fmt.Errorf("unknown origin %q", o.origin)
	}
	role := conversation.Role(o.role)
	if !role.Valid() {
		return workflow.Request{}, fmt.Errorf("unknown role %q", o.role)
	}
	return workflow.Request{
		Origin: origin,
		User: conversation.UserContext{
			UserID:         o.user,
			Role:           role,
			SubjectID:      o.subject,
			ConsentGranted: o.consent,
		},
	}, nil
}

func runChat(ctx context.Context, configPath string, opts *chatOptions, out io.Writer) error {
	base, err := opts.request()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(loggingOptions(cfg))
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Fprintf(out, "clinicflow %s (%s as %s). Ctrl-D to quit.\n", Version, base.Origin, base.User.Role)
	return chatLoop(ctx, a.engine, base, line, out)
}

// prompter is the part of liner.State the loop needs.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// chatLoop reads lines until EOF and keeps the thread across turns.
func chatLoop(ctx context.Context, invoker httpapi.Invoker, base workflow.Request, in prompter, out io.Writer) error {
	threadID := base.ThreadID
	for {
		text, err := in.Prompt("> ")
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			return nil
		}
		if err != nil {
			return err
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		in.AppendHistory(text)

		req := base
		req.Message = text
		req.ThreadID = threadID
		resp, err := invoker.Invoke(ctx, req)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		threadID = resp.ThreadID
		fmt.Fprintln(out, resp.Text)
	}
}

var _ prompter = (*liner.State)(nil)
