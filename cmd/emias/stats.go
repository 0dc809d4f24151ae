package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/emias/emias/internal/domain/patient"
)

func statsCmd(dataFile *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print registry statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newCLIEnv(cmd, *dataFile)
			if err != nil {
				return err
			}
			st := env.svc.Statistics()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetEscapeHTML(false)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printStatistics(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print statistics as JSON")
	return cmd
}

func printStatistics(w io.Writer, st patient.Statistics) {
	fmt.Fprintf(w, "Patients: %d\n", st.Total)
	fmt.Fprintf(w, "Gender: %s %d, %s %d, other %d\n",
		patient.GenderMale, st.Genders.Male, patient.GenderFemale, st.Genders.Female, st.Genders.Other)

	fmt.Fprintln(w, "Age distribution:")
	for _, b := range st.AgeHistogram {
		fmt.Fprintf(w, "  %6.1f - %6.1f  %d\n", b.Low, b.High, b.Count)
	}

	fmt.Fprintln(w, "BMI by gender:")
	printBox(w, string(patient.GenderMale), st.BMIByGender.Male)
	printBox(w, string(patient.GenderFemale), st.BMIByGender.Female)

	fmt.Fprintf(w, "BMI samples: %d (undefined: %d)\n", len(st.BMIVsAge), st.UndefinedBMI)
}

func printBox(w io.Writer, label string, b *patient.BoxSummary) {
	if b == nil {
		fmt.Fprintf(w, "  %s: no data\n", label)
		return
	}
	fmt.Fprintf(w, "  %s: n=%d min=%.2f q1=%.2f median=%.2f q3=%.2f max=%.2f outliers=%d\n",
		label, b.Count, b.Min, b.Q1, b.Median, b.Q3, b.Max, len(b.Outliers))
}
