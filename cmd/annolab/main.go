package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"annolab/internal/app"
	"annolab/internal/config"
	"annolab/internal/db"
	"annolab/internal/domain"
	"annolab/internal/engine"
	"annolab/internal/migrate"
	"annolab/internal/queue"
	"annolab/internal/repo"
	"annolab/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "annolab",
	Short: "Annolab CLI",
	Long: `Annolab captures and reviews span annotations over text and images.
- Workspace: the .annolab directory holding the database; project configs live in the DB.
- Project: owns resources, annotations, assignments, and the event log.
- Resources: registered content units (uploads or URLs); bytes stay in external storage.
- Annotations: one annotator's span set per resource; draft -> submitted -> under_review -> approved/rejected.
- Corrections: reviewer-proposed replacement span sets the annotator accepts or rejects.
- Queue: async hand-off tasks delivered to HTTP sinks or polled by workers.
- Event log: diary of changes, view with 'annolab log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ANNOLAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides the single-project default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(annotateCmd())
	rootCmd.AddCommand(correctionCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- project ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectConfigCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	var id string
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a project and everything in it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete project %q without --yes", id)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteProject(ctx, id); err != nil {
					return err
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Annotation counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountAnnotationsByStatus(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"project_id":        e.Config.Project.ID,
					"annotation_counts": counts,
				})
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Project config"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored project config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg, err := e.Repo.GetProjectConfig(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	})
	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import annolab.yml into the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				path := file
				if path == "" {
					path = config.Path(viper.GetString("workspace"))
				}
				cfg, err := config.FromFile(path)
				if err != nil {
					return err
				}
				cfg.Project.ID = e.Config.Project.ID
				if err := cfg.Validate(); err != nil {
					return err
				}
				if err := e.Repo.UpsertProjectConfig(ctx, e.Config.Project.ID, cfg); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "config file (defaults to <workspace>/annolab.yml)")
	cfgCmd.AddCommand(importCmd)
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Write a default annolab.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			id := viper.GetString("project")
			if id == "" {
				id = "annolab"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(id)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	return cfgCmd
}

// --- assignments ---

func assignCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "assign", Short: "Manage project role assignments"}

	var actor, role string
	set := &cobra.Command{
		Use:   "set",
		Short: "Assign a role to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AssignActor(ctx, e.Config.Project.ID, actor, role, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	set.Flags().StringVar(&actor, "actor", "", "actor id")
	set.Flags().StringVar(&role, "role", "", "annotator, reviewer, or manager")
	_ = set.MarkFlagRequired("actor")
	_ = set.MarkFlagRequired("role")
	cmd.AddCommand(set)

	var removeActor string
	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove an actor from the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.UnassignActor(ctx, e.Config.Project.ID, removeActor, viper.GetString("actor-id"))
			})
		},
	}
	remove.Flags().StringVar(&removeActor, "actor", "", "actor id")
	_ = remove.MarkFlagRequired("actor")
	cmd.AddCommand(remove)

	var filterRole string
	list := &cobra.Command{
		Use:   "list",
		Short: "List assignments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAssignments(ctx, e.Config.Project.ID, filterRole)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role", "Since"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ActorID, a.Role, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filterRole, "role", "", "role filter")
	cmd.AddCommand(list)
	return cmd
}

// --- resources ---

func resourceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "resource", Short: "Manage resources"}
	cmd.AddCommand(resourceAddCmd())
	cmd.AddCommand(resourceListCmd())
	cmd.AddCommand(resourceShowCmd())
	cmd.AddCommand(resourceArchiveCmd())
	return cmd
}

func resourceAddCmd() *cobra.Command {
	var name, mediaType, sourceType, storageKey, externalURL, preview string
	var fileSize int64
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a content unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.ResourceCreateOptions{
					ProjectID:      e.Config.Project.ID,
					Name:           name,
					MediaType:      mediaType,
					SourceType:     sourceType,
					StorageKey:     storageKey,
					ExternalURL:    externalURL,
					ContentPreview: preview,
					ActorID:        viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("file-size") {
					opts.FileSize = &fileSize
				}
				res, err := e.RegisterResource(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "resource name")
	cmd.Flags().StringVar(&mediaType, "media-type", "text", "text or image")
	cmd.Flags().StringVar(&sourceType, "source-type", "upload", "upload or url")
	cmd.Flags().StringVar(&storageKey, "storage-key", "", "opaque storage key for uploads")
	cmd.Flags().StringVar(&externalURL, "url", "", "external URL for url resources")
	cmd.Flags().StringVar(&preview, "preview", "", "content preview")
	cmd.Flags().Int64Var(&fileSize, "file-size", 0, "file size in bytes")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func resourceListCmd() *cobra.Command {
	var mediaType, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListResources(ctx, repo.ResourceFilters{
					ProjectID: e.Config.Project.ID,
					MediaType: mediaType,
					Status:    status,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Media", "Source", "Status"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Name, r.MediaType, r.SourceType, r.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mediaType, "media-type", "", "media type filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func resourceShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Repo.GetResource(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "resource id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func resourceArchiveCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Archive a resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ArchiveResource(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "resource id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- annotations ---

func annotateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "annotate", Short: "Create, edit, submit, and review annotations"}
	cmd.AddCommand(annotateNewCmd())
	cmd.AddCommand(annotateSubmitCmd())
	cmd.AddCommand(annotateShowCmd())
	cmd.AddCommand(annotateListCmd())
	cmd.AddCommand(annotateAddSpanCmd())
	cmd.AddCommand(annotateUpdateSpanCmd())
	cmd.AddCommand(annotateRemoveSpanCmd())
	cmd.AddCommand(annotateEditCmd())
	cmd.AddCommand(annotateOpenReviewCmd())
	cmd.AddCommand(annotateReviewCmd())
	return cmd
}

func parseSpans(raw, file string) ([]domain.Span, error) {
	data := []byte(raw)
	if file != "" {
		var err error
		data, err = os.ReadFile(file)
		if err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("--spans or --spans-file required")
	}
	var spans []domain.Span
	if err := json.Unmarshal(data, &spans); err != nil {
		return nil, fmt.Errorf("parse spans: %w", err)
	}
	return spans, nil
}

func expectedVersionFlag(cmd *cobra.Command, v *int64) *int64 {
	if cmd.Flags().Changed("expected-version") {
		return v
	}
	return nil
}

func annotateNewCmd() *cobra.Command {
	var resourceID, subType string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Get or create a draft annotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetOrCreateAnnotation(ctx, engine.AnnotationCreateOptions{
					ResourceID:  resourceID,
					AnnotatorID: viper.GetString("actor-id"),
					SubType:     subType,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&subType, "sub-type", "", "annotation sub-type")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("sub-type")
	return cmd
}

func annotateSubmitCmd() *cobra.Command {
	var resourceID, subType, spansRaw, spansFile string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Validate and submit a span batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			spans, err := parseSpans(spansRaw, spansFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.SubmitBatch(ctx, engine.SubmitBatchOptions{
					ResourceID:      resourceID,
					AnnotatorID:     viper.GetString("actor-id"),
					SubType:         subType,
					Spans:           spans,
					ExpectedVersion: expectedVersionFlag(cmd, &expectedVersion),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&resourceID, "resource", "", "resource id")
	cmd.Flags().StringVar(&subType, "sub-type", "", "annotation sub-type")
	cmd.Flags().StringVar(&spansRaw, "spans", "", "spans as a JSON array")
	cmd.Flags().StringVar(&spansFile, "spans-file", "", "file containing a JSON span array")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic version token")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("sub-type")
	return cmd
}

func annotateShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an annotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.GetAnnotation(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "annotation id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func annotateListCmd() *cobra.Command {
	var f repo.AnnotationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List annotations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.ProjectID == "" {
					f.ProjectID = e.Config.Project.ID
				}
				items, err := e.ListAnnotations(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Resource", "Annotator", "SubType", "Status", "Spans", "Version"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ResourceID, a.AnnotatorID, a.SubType, a.Status, len(a.Spans), a.Version})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ResourceID, "resource", "", "resource filter")
	cmd.Flags().StringVar(&f.AnnotatorID, "annotator", "", "annotator filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.SubType, "sub-type", "", "sub-type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func annotateAddSpanCmd() *cobra.Command {
	var id, spanRaw string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "add-span",
		Short: "Add a span to a draft annotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s domain.Span
			if err := json.Unmarshal([]byte(spanRaw), &s); err != nil {
				return fmt.Errorf("parse span: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.AddSpan(ctx, id, viper.GetString("actor-id"), s, expectedVersionFlag(cmd, &expectedVersion))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "annotation id")
	cmd.Flags().StringVar(&spanRaw, "span", "", "span as JSON")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic version token")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("span")
	return cmd
}

func annotateUpdateSpanCmd() *cobra.Command {
	var id, spanID, patchRaw string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "update-span",
		Short: "Patch a span in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch struct {
				Label  *string        `json:"label"`
				Text   *string        `json:"text"`
				Start  *int           `json:"start"`
				End    *int           `json:"end"`
				Box    *domain.Box    `json:"box"`
				Points [][]float64    `json:"points"`
				Attrs  map[string]any `json:"attrs"`
			}
			if err := json.Unmarshal([]byte(patchRaw), &patch); err != nil {
				return fmt.Errorf("parse patch: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.UpdateSpan(ctx, id, spanID, viper.GetString("actor-id"), engine.SpanPatch{
					Label:  patch.Label,
					Text:   patch.Text,
					Start:  patch.Start,
					End:    patch.End,
					Box:    patch.Box,
					Points: patch.Points,
					Attrs:  patch.Attrs,
				}, expectedVersionFlag(cmd, &expectedVersion))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "annotation id")
	cmd.Flags().StringVar(&spanID, "span-id", "", "span id")
	cmd.Flags().StringVar(&patchRaw, "patch", "", "partial span as JSON")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic version token")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("span-id")
	_ = cmd.MarkFlagRequired("patch")
	return cmd
}

func annotateRemoveSpanCmd() *cobra.Command {
	var id, spanID string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "remove-span",
		Short: "Remove a span",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RemoveSpan(ctx, id, spanID, viper.GetString("actor-id"), expectedVersionFlag(cmd, &expectedVersion))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "annotation id")
	cmd.Flags().StringVar(&spanID, "span-id", "", "span id")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic version token")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("span-id")
	return cmd
}

func annotateEditCmd() *cobra.Command {
	var id, spansRaw, spansFile string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Replace the whole span set",
		RunE: func(cmd *cobra.Command, args []string) error {
			spans, err := parseSpans(spansRaw, spansFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Edit(ctx, engine.EditOptions{
					AnnotationID:    id,
					ActorID:         viper.GetString("actor-id"),
					Spans:           spans,
					ExpectedVersion: expectedVersionFlag(cmd, &expectedVersion),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "annotation id")
	cmd.Flags().StringVar(&spansRaw, "spans", "", "spans as a JSON array")
	cmd.Flags().StringVar(&spansFile, "spans-file", "", "file containing a JSON span array")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic version token")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func annotateOpenReviewCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "open-review",
		Short: "Claim a submitted annotation for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.OpenReview(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "annotation id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func annotateReviewCmd() *cobra.Command {
	var id, action, comment string
	var expectedVersion int64
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Approve or reject a submitted annotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Review(ctx, engine.ReviewOptions{
					AnnotationID:    id,
					ReviewerID:      viper.GetString("actor-id"),
					Action:          action,
					Comment:         comment,
					ExpectedVersion: expectedVersionFlag(cmd, &expectedVersion),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "annotation id")
	cmd.Flags().StringVar(&action, "action", "", "approve or reject")
	cmd.Flags().StringVar(&comment, "comment", "", "review comment")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "optimistic version token")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// --- corrections ---

func correctionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "correction", Short: "Reviewer-proposed span corrections"}
	cmd.AddCommand(correctionProposeCmd())
	cmd.AddCommand(correctionListCmd())
	cmd.AddCommand(correctionShowCmd())
	cmd.AddCommand(correctionDecideCmd())
	return cmd
}

func correctionProposeCmd() *cobra.Command {
	var annotationID, spansRaw, spansFile, comment string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose a replacement span set",
		RunE: func(cmd *cobra.Command, args []string) error {
			spans, err := parseSpans(spansRaw, spansFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.ProposeCorrection(ctx, engine.ProposeCorrectionOptions{
					AnnotationID: annotationID,
					ReviewerID:   viper.GetString("actor-id"),
					Spans:        spans,
					Comment:      comment,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&annotationID, "annotation", "", "annotation id")
	cmd.Flags().StringVar(&spansRaw, "spans", "", "spans as a JSON array")
	cmd.Flags().StringVar(&spansFile, "spans-file", "", "file containing a JSON span array")
	cmd.Flags().StringVar(&comment, "comment", "", "comment")
	_ = cmd.MarkFlagRequired("annotation")
	return cmd
}

func correctionListCmd() *cobra.Command {
	var annotationID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List corrections for an annotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListCorrections(ctx, annotationID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Reviewer", "Status", "Spans", "Comment"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.ReviewerID, c.Status, len(c.CorrectedSpans), c.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&annotationID, "annotation", "", "annotation id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	_ = cmd.MarkFlagRequired("annotation")
	return cmd
}

func correctionShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a correction",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCorrection(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "correction id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func correctionDecideCmd() *cobra.Command {
	var id, decision, response string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Accept or reject a correction (annotator only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.DecideCorrection(ctx, engine.DecideCorrectionOptions{
					CorrectionID: id,
					ActorID:      viper.GetString("actor-id"),
					Decision:     decision,
					Response:     response,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "correction id")
	cmd.Flags().StringVar(&decision, "decision", "", "accept or reject")
	cmd.Flags().StringVar(&response, "response", "", "annotator response")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

// --- queue ---

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Async task queue"}
	cmd.AddCommand(queueListCmd())
	cmd.AddCommand(queueTaskActionCmd("complete", "Mark a task done", func(ctx context.Context, s queue.Store, id int64, _ string) error {
		return s.Complete(ctx, id)
	}))
	cmd.AddCommand(queueFailCmd())
	cmd.AddCommand(queueTaskActionCmd("retry", "Requeue a failed task", func(ctx context.Context, s queue.Store, id int64, _ string) error {
		return s.Retry(ctx, id)
	}))
	cmd.AddCommand(queueDispatchCmd())
	return cmd
}

func queueListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				store := queue.NewStore(e.DB, newLogger())
				items, err := store.List(ctx, e.Config.Project.ID, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Status", "Annotation", "Created"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Kind, t.Status, t.AnnotationID, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func queueTaskActionCmd(use, short string, fn func(context.Context, queue.Store, int64, string) error) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", id)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				store := queue.NewStore(e.DB, newLogger())
				if err := fn(ctx, store, taskID, ""); err != nil {
					return err
				}
				t, err := store.Get(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func queueFailCmd() *cobra.Command {
	var id, msg string
	cmd := &cobra.Command{
		Use:   "fail",
		Short: "Mark a task failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			taskID, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", id)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				store := queue.NewStore(e.DB, newLogger())
				if err := store.Fail(ctx, taskID, msg); err != nil {
					return err
				}
				t, err := store.Get(ctx, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().StringVar(&msg, "error", "", "error message")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func queueDispatchCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver pending tasks to configured sinks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				store := queue.NewStore(e.DB, newLogger())
				d := queue.NewDispatcher(store, e.Config.Project.ID, e.Config.Queue.Sinks, newLogger())
				if e.Config.Queue.PollSeconds > 0 {
					d.Interval = time.Duration(e.Config.Queue.PollSeconds) * time.Second
				}
				if watch {
					d.Run(ctx)
					return nil
				}
				d.DispatchOnce(ctx)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep polling until interrupted")
	return cmd
}

// --- log ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: submissions, reviews, corrections, and more.",
	}
	var evtType string
	var afterID int64
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, repo.EventFilters{
					ProjectID: e.Config.Project.ID,
					Type:      evtType,
					AfterID:   afterID,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	tail.Flags().Int64Var(&afterID, "after-id", 0, "only events after this id")
	tail.Flags().IntVar(&limit, "limit", 50, "max rows")
	log.AddCommand(tail)
	return log
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (cleartext shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				cleartext := uuid.NewString() + uuid.NewString()
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(cleartext),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"api_key":  cleartext,
				})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id")
	create.Flags().StringVar(&name, "name", "", "key name")
	_ = create.MarkFlagRequired("actor")
	cmd.AddCommand(create)

	var listActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, listActor)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	list.Flags().StringVar(&listActor, "actor", "", "actor filter")
	cmd.AddCommand(list)

	var deleteID string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, deleteID)
			})
		},
	}
	del.Flags().StringVar(&deleteID, "id", "", "key id")
	_ = del.MarkFlagRequired("id")
	cmd.AddCommand(del)
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyActorHeader, dispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			logger := newLogger()
			store := queue.NewStore(conn, newLogger())
			store.Log = logger
			e := engine.New(conn, cfg)
			e.Queue = store
			e.Log = logger
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("ANNOLAB_JWT_SECRET"),
				AllowLegacyActorHeader: legacyActorHeader,
				EnableDevLogin:         devLogin,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !legacyActorHeader {
				return fmt.Errorf("ANNOLAB_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			handler, err := server.New(server.Config{Engine: e, Queue: store, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if dispatch && len(cfg.Queue.Sinks) > 0 {
				d := queue.NewDispatcher(store, cfg.Project.ID, cfg.Queue.Sinks, logger)
				if cfg.Queue.PollSeconds > 0 {
					d.Interval = time.Duration(cfg.Queue.PollSeconds) * time.Second
				}
				go d.Run(cmd.Context())
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Annolab API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the dev token endpoint")
	cmd.Flags().BoolVar(&legacyActorHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	cmd.Flags().BoolVar(&dispatch, "dispatch", true, "run the queue dispatcher when sinks are configured")
	return cmd
}

// --- helpers ---

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Queue = queue.NewStore(conn, newLogger())
	e.Log = newLogger()
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
