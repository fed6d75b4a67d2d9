package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "lessonforge",
	Short: "LessonForge - interactive lessons generated from an outline",
	Long: `LessonForge turns a short lesson outline into an interactive React lesson.

An LLM writes the component, the code is cleaned up into a runnable single
file, and the lesson is deployed into a short-lived sandbox that serves it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./lessonforge.yaml or ~/.lessonforge/lessonforge.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
