package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewBatchCmd создаёт группу команд для управления batch.
func NewBatchCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage batches",
	}

	cmd.AddCommand(
		newBatchSubmitCmd(clientFn, outputFn),
		newBatchStatusCmd(clientFn, outputFn),
		newBatchCancelCmd(clientFn, outputFn),
	)

	return cmd
}

func newBatchSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var priority string

	cmd := &cobra.Command{
		Use:   "submit DOCUMENT_ID...",
		Short: "Submit registered documents as a batch",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.SubmitBatch(SubmitBatchRequest{
				DocumentIDs: args,
				Priority:    priority,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Batch submitted: %s", res.BatchID))
			out.Print(
				[]string{"BATCH_ID", "PRIORITY", "SUBMITTED"},
				[][]string{{res.BatchID, res.Priority, strconv.Itoa(res.Submitted)}},
				res,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&priority, "priority", "", "Priority (high, normal, low)")

	return cmd
}

func newBatchStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show batch progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			p, err := client.GetBatchStatus(args[0])
			if err != nil {
				return err
			}

			out.Print(
				[]string{"BATCH_ID", "PRIORITY", "SUBMITTED", "COMPLETED", "FAILED", "IN_PROGRESS", "DONE"},
				[][]string{{
					p.BatchID,
					p.Priority,
					strconv.Itoa(p.Submitted),
					strconv.Itoa(p.Completed),
					strconv.Itoa(p.Failed),
					strconv.Itoa(p.InProgress),
					strconv.FormatBool(p.Done),
				}},
				p,
			)
			return nil
		},
	}
}

func newBatchCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel all documents of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.CancelBatch(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Batch cancelled: %s", res.BatchID))
			out.Print(
				[]string{"CANCELLED", "REQUESTED", "SKIPPED"},
				[][]string{{strconv.Itoa(res.Cancelled), strconv.Itoa(res.Requested), strconv.Itoa(res.Skipped)}},
				res,
			)
			return nil
		},
	}
}
