package cli

import (
	"fmt"
	"os/exec"

	"github.com/spf13/cobra"
)

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List coding engines and how they are invoked",
	Args:  cobra.NoArgs,
	RunE:  runEngines,
}

func init() {
	rootCmd.AddCommand(enginesCmd)
}

func runEngines(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	anyMissing := false
	rows := make([][]string, 0, len(reg.Names()))
	for _, name := range reg.Names() {
		ec := cfg.Engines[name]

		binary := ec.Command
		if binary == "" {
			binary = name
		}
		onPath := colorGreen + "yes" + colorReset
		if _, lookErr := exec.LookPath(binary); lookErr != nil {
			onPath = colorRed + "missing" + colorReset
			anyMissing = true
		}

		model := ec.Model
		if model == "" {
			model = "-"
		}
		marker := ""
		if name == cfg.Router.DefaultEngine {
			marker = styleBoldGreen + "default" + colorReset
		}

		rows = append(rows, []string{name, binary, onPath, model, marker})
	}

	printHeader("Engines")
	printTable([]string{"NAME", "BINARY", "ON PATH", "MODEL", ""}, rows)

	if anyMissing {
		fmt.Println()
		fmt.Println(colorDim + "  Install the missing CLI or set engines.<name>.command in the config." + colorReset)
	}
	return nil
}
