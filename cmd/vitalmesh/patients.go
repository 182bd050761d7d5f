package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"vitalmesh/internal/readmodel"
)

const patientsTimeout = 10 * time.Second

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	faint  = lipgloss.Color("238")
)

func patientsCmd() *cobra.Command {
	var server string
	var minScore int
	var noColor bool

	cmd := &cobra.Command{
		Use:   "patients",
		Short: "Show the patient scoreboard from the scoring service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if noColor {
				lipgloss.SetColorProfile(termenv.Ascii)
			} else {
				lipgloss.SetColorProfile(termenv.ColorProfile())
			}

			patients, err := fetchPatients(server, minScore)
			if err != nil {
				return err
			}
			if len(patients) == 0 {
				fmt.Println("no patients")
				return nil
			}
			fmt.Println(patientsTable(patients))
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:3001", "Scoring service base URL")
	cmd.Flags().IntVar(&minScore, "min-score", 0, "Only show patients at or above this score")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	return cmd
}

func fetchPatients(server string, minScore int) ([]readmodel.PatientReadModel, error) {
	client := &http.Client{Timeout: patientsTimeout}
	url := fmt.Sprintf("%s/api/query/high-risk-patients?minScore=%d", server, minScore)
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("query scoring service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("scoring service returned %d", resp.StatusCode)
	}

	var body struct {
		Patients []readmodel.PatientReadModel `json:"patients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode scoring response: %w", err)
	}
	return body.Patients, nil
}

func patientsTable(patients []readmodel.PatientReadModel) string {
	headerStyle := lipgloss.NewStyle().
		Foreground(purple).
		Bold(true).
		Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)

	rows := make([][]string, len(patients))
	for i, p := range patients {
		rows[i] = []string{
			p.PatientID,
			fmt.Sprintf("%d", p.CurrentScore),
			string(p.ClinicalRisk),
			p.LastUpdated.Local().Format("2006-01-02 15:04:05"),
		}
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 {
				return cellStyle.Foreground(riskColor(rows[row][2]))
			}
			return cellStyle
		}).
		Headers("PATIENT", "SCORE", "RISK", "LAST UPDATED").
		Rows(rows...)

	return t.String()
}

func riskColor(risk string) lipgloss.Color {
	switch risk {
	case "High":
		return red
	case "Medium":
		return yellow
	case "Low-Medium":
		return purple
	default:
		return green
	}
}
