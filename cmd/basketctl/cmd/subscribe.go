package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/basketsync/internal/jobs"
	"github.com/austindbirch/basketsync/internal/news"
)

var subscribeFlags struct {
	email          string
	token          string
	newsletters    string
	action         string
	lang           string
	format         string
	sourceURL      string
	optin          bool
	triggerWelcome string
}

// upsertArgs builds the upsert_user job from the subscribe flags
func upsertArgs() (news.UpsertUserArgs, error) {
	f := subscribeFlags
	if f.email == "" && f.token == "" {
		return news.UpsertUserArgs{}, errors.New("one of --email or --contact-token is required")
	}
	action, err := news.ParseActionType(f.action)
	if err != nil {
		return news.UpsertUserArgs{}, err
	}
	slugs := news.ParseSlugs(f.newsletters)
	if len(slugs) == 0 && action != news.Set {
		return news.UpsertUserArgs{}, errors.New("--newsletters is required")
	}
	return news.UpsertUserArgs{
		Action: action,
		Data: news.Request{
			Email:          f.email,
			Token:          f.token,
			Format:         f.format,
			Lang:           f.lang,
			SourceURL:      f.sourceURL,
			Newsletters:    slugs,
			Optin:          f.optin,
			TriggerWelcome: f.triggerWelcome,
		},
	}, nil
}

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Change a contact's newsletter subscriptions",
	Long: `Submit an upsert_user job for a contact.

Examples:
  basketctl subscribe --email user@example.com --newsletters mozilla-and-you,firefox-tips
  basketctl subscribe --contact-token 0ad8c1d5-... --newsletters firefox-tips --action unsubscribe
  basketctl subscribe --email user@example.com --newsletters "" --action set`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := upsertArgs()
		if err != nil {
			return err
		}
		err = withSubmitter(cmd, func(ctx context.Context, sub jobs.Submitter) error {
			return news.UpsertUser.Submit(ctx, sub, a)
		})
		if err != nil {
			return fmt.Errorf("submit %s: %w", news.JobUpsertUser, err)
		}
		printOutput(cmd.OutOrStdout(), a)
		return nil
	},
}

func init() {
	f := subscribeCmd.Flags()
	f.StringVar(&subscribeFlags.email, "email", "", "contact email")
	f.StringVar(&subscribeFlags.token, "contact-token", "", "contact token")
	f.StringVar(&subscribeFlags.newsletters, "newsletters", "", "comma separated newsletter slugs")
	f.StringVar(&subscribeFlags.action, "action", "subscribe", "subscribe, unsubscribe or set")
	f.StringVar(&subscribeFlags.lang, "lang", "", "contact language")
	f.StringVar(&subscribeFlags.format, "format", "", "H or T")
	f.StringVar(&subscribeFlags.sourceURL, "source-url", "", "signup page")
	f.BoolVar(&subscribeFlags.optin, "optin", false, "contact already confirmed")
	f.StringVar(&subscribeFlags.triggerWelcome, "trigger-welcome", "", "N suppresses welcome messages")
	rootCmd.AddCommand(subscribeCmd)
}
