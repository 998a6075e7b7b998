package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// NewDocumentCmd создаёт группу команд для управления документами.
func NewDocumentCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "doc",
		Aliases: []string{"document"},
		Short:   "Manage documents",
	}

	cmd.AddCommand(
		newDocAddCmd(clientFn, outputFn),
		newDocShowCmd(clientFn, outputFn),
		newDocStagesCmd(clientFn, outputFn),
		newDocEntitiesCmd(clientFn, outputFn),
		newDocCancelCmd(clientFn, outputFn),
		newDocResetCmd(clientFn, outputFn),
		newDocReprocessCmd(clientFn, outputFn),
	)

	return cmd
}

var documentHeaders = []string{"ID", "KIND", "VERSION", "STATUS", "STAGE", "STAGE_STATUS", "ERROR"}

func documentRow(d *DocumentResponse) []string {
	return []string{d.ID, d.Kind, strconv.Itoa(d.Version), d.Status, d.CurrentStage, d.StageStatus, d.ErrorInfo}
}

func newDocAddCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var kind string
	var priority string

	cmd := &cobra.Command{
		Use:   "add SOURCE_URI",
		Short: "Register a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			doc, err := client.RegisterDocument(RegisterDocumentRequest{
				SourceURI: args[0],
				Kind:      kind,
				Priority:  priority,
			})
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Document registered: %s", doc.ID))
			out.Print(documentHeaders, [][]string{documentRow(doc)}, doc)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "text", "Source kind (text, pdf, image)")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority (high, normal, low)")

	return cmd
}

func newDocShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show document details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			view, err := client.GetDocument(args[0])
			if err != nil {
				return err
			}

			out.Print(documentHeaders, [][]string{documentRow(&view.Document)}, view)
			return nil
		},
	}
}

func newDocStagesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var history bool

	cmd := &cobra.Command{
		Use:   "stages ID",
		Short: "List document stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			view, err := client.GetDocument(args[0])
			if err != nil {
				return err
			}

			if history {
				headers := []string{"STAGE", "STATUS", "ATTEMPT", "CLASS", "MESSAGE", "AT"}
				rows := make([][]string, len(view.Transitions))
				for i, t := range view.Transitions {
					rows[i] = []string{t.Stage, t.Status, strconv.Itoa(t.AttemptCount), t.ErrorClass, t.Message, t.CreatedAt}
				}
				out.Print(headers, rows, view.Transitions)
				return nil
			}

			headers := []string{"STAGE", "STATUS", "ATTEMPTS", "CLASS", "ERROR", "NEXT_RETRY"}
			rows := make([][]string, len(view.Stages))
			for i, s := range view.Stages {
				rows[i] = []string{s.Stage, s.Status, strconv.Itoa(s.AttemptCount), s.ErrorClass, s.LastError, s.NextRetryAt}
			}
			out.Print(headers, rows, view.Stages)
			return nil
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "Show transition history")

	return cmd
}

func newDocEntitiesCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var relationships bool

	cmd := &cobra.Command{
		Use:   "entities ID",
		Short: "List resolved entities of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			graph, err := client.ListEntities(args[0])
			if err != nil {
				return err
			}

			if relationships {
				names := make(map[string]string, len(graph.Entities))
				for _, e := range graph.Entities {
					names[e.ID] = e.CanonicalName
				}

				headers := []string{"SOURCE", "TYPE", "TARGET", "VERSION"}
				rows := make([][]string, len(graph.Relationships))
				for i, r := range graph.Relationships {
					rows[i] = []string{names[r.SourceEntityID], r.RelationshipType, names[r.TargetEntityID], strconv.Itoa(r.Version)}
				}
				out.Print(headers, rows, graph.Relationships)
				return nil
			}

			headers := []string{"ID", "NAME", "TYPE", "CONFIDENCE", "MENTIONS"}
			rows := make([][]string, len(graph.Entities))
			for i, e := range graph.Entities {
				rows[i] = []string{
					e.ID,
					e.CanonicalName,
					e.Type,
					strconv.FormatFloat(e.Confidence, 'f', 2, 64),
					strconv.Itoa(len(e.MemberMentionIDs)),
				}
			}
			out.Print(headers, rows, graph)
			return nil
		},
	}

	cmd.Flags().BoolVar(&relationships, "relationships", false, "Show relationships instead of entities")

	return cmd
}

func newDocCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			res, err := client.CancelDocument(args[0])
			if err != nil {
				return err
			}

			if res.Finalized {
				out.Success(fmt.Sprintf("Document cancelled: %s", res.Document.ID))
			} else {
				out.Success(fmt.Sprintf("Cancel requested, stage in progress: %s", res.Document.ID))
			}
			return nil
		},
	}
}

func newDocResetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "reset ID",
		Short: "Retry the failed stage of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			doc, err := client.ResetDocument(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Document reset: %s (stage %s)", doc.ID, doc.CurrentStage))
			return nil
		},
	}
}

func newDocReprocessCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess ID",
		Short: "Run the whole pipeline again under a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			doc, err := client.ReprocessDocument(args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Document reprocessing: %s (version %d)", doc.ID, doc.Version))
			return nil
		},
	}
}
