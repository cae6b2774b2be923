package cmd

import (
	"github.com/spf13/cobra"
)

func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion script",
		Long: `Generate shell completion script for spool.

To load completions:

Bash:
  $ source <(spool completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ spool completion bash > /etc/bash_completion.d/spool
  # macOS:
  $ spool completion bash > $(brew --prefix)/etc/bash_completion.d/spool

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it.  You can execute the following once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ spool completion zsh > "${fpath[1]}/_spool"

  # You will need to start a new shell for this setup to take effect.

  # Oh My Zsh:
  $ mkdir -p ~/.oh-my-zsh/completions
  $ spool completion zsh > ~/.oh-my-zsh/completions/_spool

Fish:
  $ spool completion fish > ~/.config/fish/completions/spool.fish

PowerShell:
  PS> spool completion powershell | Out-String | Invoke-Expression
`,
		Annotations:           map[string]string{annotationSkipSetup: "true"},
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletionV2(out, true)
			case "zsh":
				return cmd.Root().GenZshCompletion(out)
			case "fish":
				return cmd.Root().GenFishCompletion(out, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(out)
			}
			return nil
		},
	}
}
