package cli

import (
	"fmt"

	"github.com/absmach/shuffler/pkg/crypto"
	"github.com/absmach/shuffler/pkg/crypto/keyservice"
	"github.com/spf13/cobra"
)

type keysResult struct {
	File string `json:"file"`
	Keys int    `json:"keys"`
	KEKA string `json:"kek_uri_a"`
	KEKB string `json:"kek_uri_b"`
}

func NewKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys [generate|kek]",
		Short: "Key material",
		Long:  `Generate key sets for the key service and local key encryption keys.`,
	}

	var (
		count      int
		out        string
		uriA, uriB string
		kekA, kekB string
	)
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate key set",
		Long: `Generate a key set whose private keys are split between two coordinators.

Examples:
  shuffler-cli keys generate --kek-a=$(shuffler-cli keys kek) --kek-b=$(shuffler-cli keys kek) --out=./data/keys.json`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 || kekA == "" || kekB == "" {
				logUsageCmd(*cmd, cmd.Use+" --kek-a=<key> --kek-b=<key>")

				return
			}
			kmsA, err := crypto.NewLocalKMS(map[string]string{uriA: kekA})
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			kmsB, err := crypto.NewLocalKMS(map[string]string{uriB: kekB})
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			ks, err := keyservice.Generate(count, kmsA, uriA, kmsB, uriB)
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			if err := ks.Save(out); err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			logJSONCmd(*cmd, keysResult{File: out, Keys: len(ks.Keys), KEKA: uriA, KEKB: uriB})
		},
	}
	fs := generateCmd.Flags()
	fs.IntVar(&count, "count", 3, "Number of key pairs")
	fs.StringVar(&out, "out", "./data/keys.json", "Output file")
	fs.StringVar(&uriA, "kek-uri-a", "local://party-a", "KEK URI of coordinator A")
	fs.StringVar(&uriB, "kek-uri-b", "local://party-b", "KEK URI of coordinator B")
	fs.StringVar(&kekA, "kek-a", "", "Base64 KEK of coordinator A")
	fs.StringVar(&kekB, "kek-b", "", "Base64 KEK of coordinator B")

	kekCmd := &cobra.Command{
		Use:   "kek",
		Short: "Generate key encryption key",
		Long:  `Print a fresh base64 key encryption key.`,
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) != 0 {
				logUsageCmd(*cmd, cmd.Use)

				return
			}
			k, err := crypto.GenerateKEK()
			if err != nil {
				logErrorCmd(*cmd, err)

				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), k)
		},
	}

	cmd.AddCommand(generateCmd)
	cmd.AddCommand(kekCmd)

	return cmd
}
