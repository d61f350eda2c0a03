package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/connectias/warden/internal/store"
)

func newTrustCommand() *cobra.Command {
	trustCmd := &cobra.Command{
		Use:           "trust",
		Short:         "Developer trust pin commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pinCmd := &cobra.Command{
		Use:           "pin [developer-id] [public-key-base64]",
		Short:         "Pin a developer's public signing key",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          trustPin,
	}

	unpinCmd := &cobra.Command{
		Use:           "unpin [developer-id]",
		Short:         "Remove a developer's trust pin",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          trustUnpin,
	}

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List pinned developers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          trustList,
	}

	trustCmd.AddCommand(pinCmd, unpinCmd, listCmd)
	return trustCmd
}

func trustPin(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	st, err := openTrustStore(cmd)
	if err != nil {
		return out.Error("Failed to open trust store", err)
	}
	defer st.Close()

	if err := st.Pin(cmd.Context(), args[0], args[1]); err != nil {
		return out.Error("Failed to pin developer key", err)
	}
	return out.Success(fmt.Sprintf("Pinned %s", args[0]), map[string]interface{}{
		"developer_id": args[0],
	})
}

func trustUnpin(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	st, err := openTrustStore(cmd)
	if err != nil {
		return out.Error("Failed to open trust store", err)
	}
	defer st.Close()

	if err := st.Unpin(cmd.Context(), args[0]); err != nil {
		if store.IsNotFound(err) {
			return out.Error(fmt.Sprintf("Developer %s is not pinned", args[0]), nil)
		}
		return out.Error("Failed to unpin developer key", err)
	}
	return out.Success(fmt.Sprintf("Unpinned %s", args[0]), map[string]interface{}{
		"developer_id": args[0],
	})
}

func trustList(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	st, err := openTrustStore(cmd)
	if err != nil {
		return out.Error("Failed to open trust store", err)
	}
	defer st.Close()

	pins, err := st.ListPins(cmd.Context())
	if err != nil {
		return out.Error("Failed to list trust pins", err)
	}

	if out.jsonMode {
		return out.Print(pins)
	}

	if len(pins) == 0 {
		fmt.Println("No pinned developers")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVELOPER\tPINNED\tKEY")
	for _, pin := range pins {
		key := pin.PublicKeyBase64
		if len(key) > 24 {
			key = key[:24] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", pin.DeveloperID, pin.CreatedAt.Local().Format("2006-01-02 15:04"), key)
	}
	w.Flush()
	return nil
}
