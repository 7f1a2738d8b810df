// This script is a small convenience tool for creating user accounts in the
// configured key-value store without going through the matchmaking server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/dcrodman/tbs/internal/core"
	"github.com/dcrodman/tbs/internal/core/auth"
	"github.com/dcrodman/tbs/internal/core/kv"
)

var (
	configDirFlag = pflag.String("config-dir", "./", "Path to the directory containing the server config file")
	userFlag      = pflag.String("user", "", "Username (prompted for if empty)")
	passwdFlag    = pflag.String("passwd", "", "Password (prompted for if empty)")
	emailFlag     = pflag.String("email", "", "Email address used for password recovery")
)

func main() {
	pflag.Parse()

	config, err := core.LoadConfig(*configDirFlag, nil, nil)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	store, err := kv.Open(config)
	if err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
	defer store.Close()

	scanner := bufio.NewScanner(os.Stdin)
	prompt := func(label string, value *string) {
		if *value != "" {
			return
		}
		fmt.Printf("%s: ", label)
		scanner.Scan()
		*value = scanner.Text()
	}
	prompt("Username", userFlag)
	prompt("Password", passwdFlag)
	prompt("Email", emailFlag)

	if err := auth.CreateAccount(context.Background(), store, *userFlag, *passwdFlag, *emailFlag); err != nil {
		fmt.Println("failed to create account:", auth.DisplayError(err))
		os.Exit(1)
	}
	fmt.Println("created account", *userFlag)
}
