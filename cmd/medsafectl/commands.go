package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-medsafe/internal/engine"
)

const dateLayout = "2006-01-02"

type topicAdmin interface {
	EnsureTopics(ctx context.Context) error
	ListTopics(ctx context.Context) ([]string, error)
	GetConsumerGroupLag(ctx context.Context, groupID string) (map[string]map[int32]int64, error)
	Close()
}

type app struct {
	out   io.Writer
	group string
	open  func(ctx context.Context) (*engine.Registry, func(), error)
	admin func() (topicAdmin, error)
	now   func() time.Time
}

func (a *app) withRegistry(ctx context.Context, fn func(*engine.Registry) error) error {
	registry, cleanup, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(registry)
}

func (a *app) withAdmin(fn func(topicAdmin) error) error {
	admin, err := a.admin()
	if err != nil {
		return err
	}
	defer admin.Close()
	return fn(admin)
}

func (a *app) print(v interface{}) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(a *app) *cobra.Command {
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}

	root := &cobra.Command{
		Use:          "medsafectl",
		Short:        "Medication safety engine operator tool",
		SilenceUsage: true,
	}
	root.SetOut(a.out)

	root.AddCommand(
		warmCmd(a),
		medicationCmd(a),
		guidelineCmd(a),
		interactionsCmd(a),
		issuesCmd(a),
		statsCmd(a),
		topicsCmd(a),
		lagCmd(a),
	)
	return root
}

func warmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "warm",
		Short: "Load the knowledge base and safety data into the cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd.Context(), func(r *engine.Registry) error {
				start := time.Now()
				kb, err := r.Knowledge(cmd.Context())
				if err != nil {
					return err
				}
				if _, err := r.Safety(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(a.out, "loaded %d medications and %d guidelines in %s\n",
					len(kb.Medications()), len(kb.Guidelines()), time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
}

func medicationCmd(a *app) *cobra.Command {
	var rxnorm bool
	cmd := &cobra.Command{
		Use:   "medication <name>",
		Short: "Show a medication record by name, brand name or RxNorm code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd.Context(), func(r *engine.Registry) error {
				kb, err := r.Knowledge(cmd.Context())
				if err != nil {
					return err
				}
				rec := kb.GetMedicationByName(args[0])
				if rxnorm {
					rec = kb.GetMedicationByRxNorm(args[0])
				}
				if rec == nil {
					return fmt.Errorf("medication %q not found", args[0])
				}
				return a.print(rec)
			})
		},
	}
	cmd.Flags().BoolVar(&rxnorm, "rxnorm", false, "treat the argument as an RxNorm code")
	return cmd
}

func guidelineCmd(a *app) *cobra.Command {
	var icd10 bool
	cmd := &cobra.Command{
		Use:   "guideline <condition>",
		Short: "Show the treatment guideline for a condition or ICD-10 code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd.Context(), func(r *engine.Registry) error {
				kb, err := r.Knowledge(cmd.Context())
				if err != nil {
					return err
				}
				query := strings.Join(args, " ")
				g := kb.GetGuidelinesForCondition(query)
				if icd10 {
					g = kb.GetGuidelinesByICD10(query)
				}
				if g == nil {
					return fmt.Errorf("no guideline for %q", query)
				}
				return a.print(g)
			})
		},
	}
	cmd.Flags().BoolVar(&icd10, "icd10", false, "treat the argument as an ICD-10 code")
	return cmd
}

func interactionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "interactions <medication> <other>...",
		Short: "List interactions between a medication and others",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd.Context(), func(r *engine.Registry) error {
				kb, err := r.Knowledge(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(kb.CheckInteractions(args[0], args[1:]))
			})
		},
	}
}

func issuesCmd(a *app) *cobra.Command {
	var patient, medication string
	cmd := &cobra.Command{
		Use:   "issues [id]",
		Short: "Show a safety issue, or the issues of a patient or medication",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd.Context(), func(r *engine.Registry) error {
				m, err := r.Safety(cmd.Context())
				if err != nil {
					return err
				}
				switch {
				case len(args) == 1:
					is := m.GetSafetyIssue(args[0])
					if is == nil {
						return fmt.Errorf("safety issue %q not found", args[0])
					}
					return a.print(is)
				case patient != "":
					return a.print(m.GetPatientSafetyIssues(patient))
				case medication != "":
					return a.print(m.GetMedicationSafetyIssues(medication))
				default:
					return errors.New("an issue id, --patient or --medication is required")
				}
			})
		},
	}
	cmd.Flags().StringVar(&patient, "patient", "", "list issues reported for a patient")
	cmd.Flags().StringVar(&medication, "medication", "", "list issues naming a medication")
	return cmd
}

func statsCmd(a *app) *cobra.Command {
	var from, to string
	var medication string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Report safety statistics for a date range, or one medication's counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRegistry(cmd.Context(), func(r *engine.Registry) error {
				m, err := r.Safety(cmd.Context())
				if err != nil {
					return err
				}
				if medication != "" {
					s := m.GetMedicationStats(medication)
					if s == nil {
						return fmt.Errorf("no statistics for %q", medication)
					}
					return a.print(s)
				}

				end := a.now()
				if to != "" {
					if end, err = time.Parse(dateLayout, to); err != nil {
						return fmt.Errorf("invalid --to: %w", err)
					}
					// include the whole day
					end = end.Add(24*time.Hour - time.Nanosecond)
				}
				start := end.AddDate(0, 0, -30)
				if from != "" {
					if start, err = time.Parse(dateLayout, from); err != nil {
						return fmt.Errorf("invalid --from: %w", err)
					}
				}
				if end.Before(start) {
					return errors.New("--from is after --to")
				}
				return a.print(m.GenerateSafetyStatistics(start, end))
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first day (YYYY-MM-DD), default 30 days before --to")
	cmd.Flags().StringVar(&to, "to", "", "last day (YYYY-MM-DD), default today")
	cmd.Flags().StringVar(&medication, "medication", "", "show prescription and adverse event counters for one medication")
	return cmd
}

func topicsCmd(a *app) *cobra.Command {
	var ensure bool
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List topics, optionally creating the engine's topics first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(func(admin topicAdmin) error {
				if ensure {
					if err := admin.EnsureTopics(cmd.Context()); err != nil {
						return err
					}
				}
				names, err := admin.ListTopics(cmd.Context())
				if err != nil {
					return err
				}
				sort.Strings(names)
				for _, n := range names {
					fmt.Fprintln(a.out, n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&ensure, "ensure", false, "create missing topics")
	return cmd
}

func lagCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lag",
		Short: "Show consumer group lag per partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withAdmin(func(admin topicAdmin) error {
				lag, err := admin.GetConsumerGroupLag(cmd.Context(), a.group)
				if err != nil {
					return err
				}
				topics := make([]string, 0, len(lag))
				for t := range lag {
					topics = append(topics, t)
				}
				sort.Strings(topics)

				var total int64
				for _, t := range topics {
					partitions := make([]int32, 0, len(lag[t]))
					for p := range lag[t] {
						partitions = append(partitions, p)
					}
					sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
					for _, p := range partitions {
						fmt.Fprintf(a.out, "%s\t%d\t%d\n", t, p, lag[t][p])
						total += lag[t][p]
					}
				}
				fmt.Fprintf(a.out, "total\t%d\n", total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&a.group, "group", a.group, "consumer group")
	return cmd
}
