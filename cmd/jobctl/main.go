// jobctl is an operator CLI for the job broker: submit a query, poll its
// status, fetch the manifest reference, cancel, or list recent jobs.
package main

import (
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var (
	brokerURL string
	client    *resty.Client
)

func main() {
	root := &cobra.Command{
		Use:   "jobctl",
		Short: "Operate the async SQL job broker",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			client = resty.New().SetBaseURL(brokerURL)
		},
	}
	root.PersistentFlags().StringVar(&brokerURL, "broker", "http://localhost:50051", "broker base URL")

	root.AddCommand(submitCmd(), statusCmd(), manifestCmd(), cancelCmd(), listCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func submitCmd() *cobra.Command {
	var (
		userID   string
		title    string
		pageSize int
		maxRows  int64
	)
	cmd := &cobra.Command{
		Use:   "submit <sql>",
		Short: "Submit a SQL statement for asynchronous execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]interface{}{
				"sql":    args[0],
				"userId": userID,
				"title":  title,
				"options": map[string]interface{}{
					"pageSize": pageSize,
					"maxRows":  maxRows,
				},
			}
			resp, err := client.R().SetBody(body).Post("/v0/jobs")
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to record")
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "rows per database batch")
	cmd.Flags().Int64Var(&maxRows, "max-rows", 0, "hard cap on emitted rows")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.R().Get("/v0/jobs/" + args[0])
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func manifestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manifest <job-id>",
		Short: "Show the result manifest reference of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.R().Get("/v0/jobs/" + args[0] + "/manifest")
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.R().Post("/v0/jobs/" + args[0] + "/cancel")
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
}

func listCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.R().
				SetQueryParam("userId", userID).
				SetQueryParam("limit", fmt.Sprint(limit)).
				Get("/v0/jobs")
			if err != nil {
				return err
			}
			return printResponse(resp)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to list")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to return")
	return cmd
}

func printResponse(resp *resty.Response) error {
	fmt.Println(string(resp.Body()))
	if resp.IsError() {
		return fmt.Errorf("broker returned %s", resp.Status())
	}
	return nil
}
