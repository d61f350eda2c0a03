package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/connectias/warden/internal/config"
	"github.com/connectias/warden/internal/pkgverify"
	"github.com/connectias/warden/internal/signing"
	"github.com/connectias/warden/internal/store"
)

func newPluginCommand() *cobra.Command {
	pluginCmd := &cobra.Command{
		Use:           "plugin",
		Short:         "Plugin package commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	keygenCmd := &cobra.Command{
		Use:           "keygen",
		Short:         "Generate a sealed developer signing key",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          pluginKeygen,
	}
	keygenCmd.Flags().String("developer-id", "", "Developer identity the key signs for")
	keygenCmd.Flags().String("passphrase", "", "Key passphrase (prompted when empty)")
	keygenCmd.Flags().Bool("pin", false, "Also pin the public key in the local trust store")

	signCmd := &cobra.Command{
		Use:           "sign [package.zip]",
		Short:         "Sign a plugin package with a sealed key",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          pluginSign,
	}
	signCmd.Flags().String("developer-id", "", "Developer identity to sign as")
	signCmd.Flags().String("key", "", "Sealed key file (defaults to the instance key for the developer)")
	signCmd.Flags().String("passphrase", "", "Key passphrase (prompted when empty)")
	signCmd.Flags().String("out", "", "Output path (defaults to signing in place)")

	verifyCmd := &cobra.Command{
		Use:           "verify [package.zip]",
		Short:         "Verify a plugin package against the local trust store",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          pluginVerify,
	}

	pluginCmd.AddCommand(keygenCmd, signCmd, verifyCmd)
	return pluginCmd
}

func readPassphrase(cmd *cobra.Command, confirm bool) ([]byte, error) {
	if flagValue, _ := cmd.Flags().GetString("passphrase"); flagValue != "" {
		return []byte(flagValue), nil
	}
	if !terminal.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no terminal for passphrase prompt, use --passphrase")
	}

	fmt.Fprint(os.Stderr, "Passphrase: ")
	passphrase, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	if !confirm {
		return passphrase, nil
	}

	fmt.Fprint(os.Stderr, "Repeat passphrase: ")
	repeat, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if string(passphrase) != string(repeat) {
		return nil, fmt.Errorf("passphrases do not match")
	}
	return passphrase, nil
}

func keyFilePath(instance, developerID string) string {
	paths := config.GetInstancePaths(instance)
	return filepath.Join(paths.KeysDir, developerID+".key")
}

func pluginKeygen(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	developerID, _ := cmd.Flags().GetString("developer-id")
	if strings.TrimSpace(developerID) == "" {
		return out.Error("--developer-id is required", nil)
	}

	keyPath := keyFilePath(instanceName(cmd), developerID)
	if _, err := os.Stat(keyPath); err == nil {
		return out.Error(fmt.Sprintf("Key already exists at %s", keyPath), nil)
	}

	passphrase, err := readPassphrase(cmd, true)
	if err != nil {
		return out.Error("Failed to read passphrase", err)
	}

	priv, err := signing.GenerateKey()
	if err != nil {
		return out.Error("Failed to generate key", err)
	}
	sealed, err := signing.SealPrivateKey(priv, passphrase)
	if err != nil {
		return out.Error("Failed to seal key", err)
	}
	pub, err := signing.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return out.Error("Failed to encode public key", err)
	}

	if _, err := config.EnsureInstanceDirs(instanceName(cmd)); err != nil {
		return out.Error("Failed to prepare instance directories", err)
	}
	if err := os.WriteFile(keyPath, sealed, 0o600); err != nil {
		return out.Error("Failed to write key file", err)
	}

	if pin, _ := cmd.Flags().GetBool("pin"); pin {
		if err := pinPublicKey(cmd, developerID, pub); err != nil {
			return out.Error("Failed to pin public key", err)
		}
	}

	return out.Success(fmt.Sprintf("Generated signing key for %s", developerID), map[string]interface{}{
		"developer_id": developerID,
		"key_file":     keyPath,
		"public_key":   pub,
	})
}

func pluginSign(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	developerID, _ := cmd.Flags().GetString("developer-id")
	if strings.TrimSpace(developerID) == "" {
		return out.Error("--developer-id is required", nil)
	}

	keyPath, _ := cmd.Flags().GetString("key")
	if keyPath == "" {
		keyPath = keyFilePath(instanceName(cmd), developerID)
	}
	sealed, err := os.ReadFile(keyPath)
	if err != nil {
		return out.Error("Failed to read key file", err)
	}

	passphrase, err := readPassphrase(cmd, false)
	if err != nil {
		return out.Error("Failed to read passphrase", err)
	}
	priv, err := signing.OpenPrivateKey(sealed, passphrase)
	if err != nil {
		return out.Error("Failed to unseal key", err)
	}

	archive, err := os.ReadFile(args[0])
	if err != nil {
		return out.Error("Failed to read package", err)
	}
	signed, err := signing.SignPackage(archive, priv, developerID)
	if err != nil {
		return out.Error("Failed to sign package", err)
	}

	outPath, _ := cmd.Flags().GetString("out")
	if outPath == "" {
		outPath = args[0]
	}
	if err := os.WriteFile(outPath, signed, 0o644); err != nil {
		return out.Error("Failed to write signed package", err)
	}

	return out.Success(fmt.Sprintf("Signed %s as %s", outPath, developerID), map[string]interface{}{
		"package":      outPath,
		"developer_id": developerID,
	})
}

func pluginVerify(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	st, err := openTrustStore(cmd)
	if err != nil {
		return out.Error("Failed to open trust store", err)
	}
	defer st.Close()

	verifier := pkgverify.NewVerifier(st)
	result := verifier.VerifyFile(args[0])

	if out.jsonMode {
		return out.Print(map[string]interface{}{
			"status":       result.Status.String(),
			"developer_id": result.DeveloperID,
			"warnings":     result.Warnings,
			"reason":       result.Reason,
		})
	}

	fmt.Printf("Status: %s\n", result.Status)
	if result.DeveloperID != "" {
		fmt.Printf("Developer: %s\n", result.DeveloperID)
	}
	for _, warning := range result.Warnings {
		fmt.Printf("Warning: %s\n", warning)
	}
	if result.Reason != "" {
		fmt.Printf("Reason: %s\n", result.Reason)
	}

	if result.Status == pkgverify.StatusFailed {
		return fmt.Errorf("package rejected: %s", result.Reason)
	}
	return nil
}

func openTrustStore(cmd *cobra.Command) (*store.Store, error) {
	return store.Open(store.Options{InstanceName: instanceName(cmd)})
}

func pinPublicKey(cmd *cobra.Command, developerID, publicKey string) error {
	st, err := openTrustStore(cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Pin(cmd.Context(), developerID, publicKey)
}
