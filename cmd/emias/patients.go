package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/emias/emias/internal/domain/patient"
)

func patientsCmd(dataFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "List and edit patient records",
	}
	cmd.AddCommand(patientsListCmd(dataFile))
	cmd.AddCommand(patientsAddCmd(dataFile))
	cmd.AddCommand(patientsEditCmd(dataFile))
	cmd.AddCommand(patientsDeleteCmd(dataFile))
	return cmd
}

func patientsListCmd(dataFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print all patients in file order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newCLIEnv(cmd, *dataFile)
			if err != nil {
				return err
			}
			views, _ := env.svc.ListPatients(0, 0)
			return printPatients(cmd.OutOrStdout(), views)
		},
	}
}

func printPatients(out io.Writer, views []patient.PatientView) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tFULL NAME\tAGE\tGENDER\tHEIGHT\tWEIGHT\tBMI")
	for _, v := range views {
		bmi := "-"
		if v.BMI != nil {
			bmi = strconv.FormatFloat(*v.BMI, 'f', 2, 64)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%s\t%s\t%s\n",
			v.Position, v.FullName, v.Age, v.Gender,
			formatMeasure(v.Height), formatMeasure(v.Weight), bmi)
	}
	return tw.Flush()
}

func formatMeasure(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// patientFlags are the form fields shared by add and edit.
type patientFlags struct {
	name, age, gender, height, weight string
}

func (f *patientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Full name")
	cmd.Flags().StringVar(&f.age, "age", "", "Age in years")
	cmd.Flags().StringVar(&f.gender, "gender", "", "Gender code (М or Ж)")
	cmd.Flags().StringVar(&f.height, "height", "", "Height in centimetres")
	cmd.Flags().StringVar(&f.weight, "weight", "", "Weight in kilograms")
}

func (f *patientFlags) input() patient.PatientInput {
	return patient.PatientInput{
		FullName: f.name,
		Age:      patient.FormValue(f.age),
		Gender:   f.gender,
		Height:   patient.FormValue(f.height),
		Weight:   patient.FormValue(f.weight),
	}
}

func patientsAddCmd(dataFile *string) *cobra.Command {
	var f patientFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a patient",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newCLIEnv(cmd, *dataFile)
			if err != nil {
				return err
			}
			v, err := env.svc.CreatePatient(f.input())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added patient at position %d\n", v.Position)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func patientsEditCmd(dataFile *string) *cobra.Command {
	var f patientFlags
	cmd := &cobra.Command{
		Use:   "edit <position>",
		Short: "Replace the patient at a position",
		Long:  "Replace the patient at a position. Fields without a flag keep their current value.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			env, err := newCLIEnv(cmd, *dataFile)
			if err != nil {
				return err
			}
			current, err := env.svc.GetPatientAt(pos)
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if !flags.Changed("name") {
				f.name = current.FullName
			}
			if !flags.Changed("age") {
				f.age = strconv.Itoa(current.Age)
			}
			if !flags.Changed("gender") {
				f.gender = string(current.Gender)
			}
			if !flags.Changed("height") {
				f.height = formatMeasure(current.Height)
			}
			if !flags.Changed("weight") {
				f.weight = formatMeasure(current.Weight)
			}

			if _, err := env.svc.UpdatePatientAt(pos, f.input()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated patient at position %d\n", pos)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func patientsDeleteCmd(dataFile *string) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <position>",
		Short: "Delete the patient at a position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pos, err := parsePosition(args[0])
			if err != nil {
				return err
			}
			env, err := newCLIEnv(cmd, *dataFile)
			if err != nil {
				return err
			}
			current, err := env.svc.GetPatientAt(pos)
			if err != nil {
				return err
			}
			if !yes && !confirm(cmd, fmt.Sprintf("Delete %s (position %d)?", current.FullName, pos)) {
				fmt.Fprintln(cmd.OutOrStdout(), "cancelled")
				return nil
			}
			if err := env.svc.DeletePatientAt(pos); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted patient at position %d\n", pos)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func parsePosition(s string) (int, error) {
	pos, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid position %q: %w", s, err)
	}
	return pos, nil
}

func confirm(cmd *cobra.Command, question string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", question)
	line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
