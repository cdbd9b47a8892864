package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dosing-safety-mcp-server/internal/domain"
)

type patientFlags struct {
	file        string
	age         int
	sex         string
	pregnancy   string
	weight      float64
	height      float64
	frail       bool
	conditions  []string
	medications []string
	labs        map[string]string
}

func (p *patientFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&p.file, "patient", "", "JSON file with the patient attributes (flags override its fields)")
	f.IntVar(&p.age, "age", 0, "age in years")
	f.StringVar(&p.sex, "sex", "", "male or female")
	f.StringVar(&p.pregnancy, "pregnancy", "", "none, pregnant, trying_to_conceive or breastfeeding")
	f.Float64Var(&p.weight, "weight", 0, "body weight in kg")
	f.Float64Var(&p.height, "height", 0, "height in cm")
	f.BoolVar(&p.frail, "frail", false, "patient is frail")
	f.StringSliceVar(&p.conditions, "condition", nil, "condition tag (repeatable)")
	f.StringSliceVar(&p.medications, "medication", nil, "current medication (repeatable)")
	f.StringToStringVar(&p.labs, "lab", nil, "lab value as name=value (repeatable)")
}

func (p *patientFlags) build(cmd *cobra.Command) (domain.PatientAttributes, error) {
	var patient domain.PatientAttributes
	if p.file != "" {
		raw, err := os.ReadFile(p.file)
		if err != nil {
			return patient, fmt.Errorf("failed to read patient file: %w", err)
		}
		if err := json.Unmarshal(raw, &patient); err != nil {
			return patient, fmt.Errorf("failed to parse patient file: %w", err)
		}
	}

	f := cmd.Flags()
	if f.Changed("age") {
		patient.Age = p.age
	}
	if f.Changed("sex") {
		patient.Sex = domain.Sex(p.sex)
	}
	if f.Changed("pregnancy") {
		patient.Pregnancy = domain.PregnancyStatus(p.pregnancy)
	}
	if f.Changed("weight") {
		patient.WeightKg = p.weight
	}
	if f.Changed("height") {
		patient.HeightCm = p.height
	}
	if f.Changed("frail") {
		patient.Frail = p.frail
	}
	if f.Changed("condition") {
		patient.Conditions = p.conditions
	}
	if f.Changed("medication") {
		patient.Medications = p.medications
	}
	if f.Changed("lab") {
		labs, err := parseLabs(p.labs)
		if err != nil {
			return patient, err
		}
		patient.Labs = labs
	}
	return patient, nil
}

func parseLabs(raw map[string]string) (map[string]float64, error) {
	labs := make(map[string]float64, len(raw))
	for name, value := range raw {
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, domain.NewValidationError("labs."+name, "must be a number", value)
		}
		labs[name] = v
	}
	return labs, nil
}

func validateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [catalog-file]",
		Short: "Validate a rule catalog and print its summary",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.catalogPath = args[0]
			}
			cat, err := opts.loadCatalog()
			if err != nil {
				var catErr *domain.CatalogError
				if errors.As(err, &catErr) {
					for _, problem := range catErr.Problems {
						fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", problem)
					}
				}
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]any{
				"valid":       true,
				"source":      cat.Source(),
				"version":     cat.Version(),
				"description": cat.Description(),
				"digest":      cat.Digest(),
				"items":       len(cat.Items()),
			})
		},
	}
}

func itemsCmd(opts *rootOptions) *cobra.Command {
	var class string
	cmd := &cobra.Command{
		Use:   "items",
		Short: "List catalog items",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := opts.loadCatalog()
			if err != nil {
				return err
			}
			ids := cat.Items()
			if class != "" {
				ids = cat.ItemsMatching(domain.Scope{Classes: []string{class}})
			}
			items := make([]*domain.DosingTemplate, 0, len(ids))
			for _, id := range ids {
				if t, ok := cat.Template(id); ok {
					items = append(items, t)
				}
			}
			return opts.print(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "only list items of this class")
	return cmd
}

func calculateCmd(opts *rootOptions) *cobra.Command {
	var patient patientFlags
	cmd := &cobra.Command{
		Use:   "calculate ITEM [ITEM...]",
		Short: "Calculate personalized doses for one or more items",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			p, err := patient.build(cmd)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				res, err := engine.CalculateDose(cmd.Context(), args[0], p)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), res)
			}
			res, err := engine.CalculateBatch(cmd.Context(), args, p)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), res)
		},
	}
	patient.register(cmd)
	return cmd
}

func interactionsCmd(opts *rootOptions) *cobra.Command {
	var medications, items []string
	cmd := &cobra.Command{
		Use:   "interactions",
		Short: "Screen medications and catalog items for interactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			report, err := engine.CheckInteractions(cmd.Context(), medications, items)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringSliceVar(&medications, "medication", nil, "current medication (repeatable)")
	cmd.Flags().StringSliceVar(&items, "item", nil, "catalog item (repeatable)")
	return cmd
}

func riskCmd(opts *rootOptions) *cobra.Command {
	var patient patientFlags
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Evaluate patient-level risk flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			p, err := patient.build(cmd)
			if err != nil {
				return err
			}
			flags, err := engine.RiskFlags(cmd.Context(), p)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), map[string]any{
				"flags":           flags,
				"total":           flags.Total(),
				"recommendations": flags.Recommendations(),
			})
		},
	}
	patient.register(cmd)
	return cmd
}

func labsCmd(opts *rootOptions) *cobra.Command {
	var raw map[string]string
	cmd := &cobra.Command{
		Use:   "labs",
		Short: "Interpret lab values against catalog thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			labs, err := parseLabs(raw)
			if err != nil {
				return err
			}
			interpretation, err := engine.InterpretLabs(cmd.Context(), labs)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), interpretation)
		},
	}
	cmd.Flags().StringToStringVar(&raw, "lab", nil, "lab value as name=value (repeatable)")
	return cmd
}

func titrationCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "titration ITEM DOSE",
		Short: "Show the escalation ramp ending at DOSE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			dose, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return domain.NewValidationError("dose", "must be a number", args[1])
			}
			plan, err := engine.TitrationSchedule(cmd.Context(), args[0], dose)
			if err != nil {
				return err
			}
			if plan == nil {
				return fmt.Errorf("%s is not titration eligible", args[0])
			}
			return opts.print(cmd.OutOrStdout(), plan)
		},
	}
}

func injectionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "injection ITEM DOSE",
		Short: "Show administration details for DOSE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := opts.engine(cmd)
			if err != nil {
				return err
			}
			dose, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return domain.NewValidationError("dose", "must be a number", args[1])
			}
			details, err := engine.InjectionDetails(cmd.Context(), args[0], dose)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), details)
		},
	}
}
