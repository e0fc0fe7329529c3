package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/nao1215/closet/pkg/apiclient"
)

// callFlags は call サブコマンドのフラグ。
type callFlags struct {
	protected bool
	method    string
	params    []string
	paths     []string
	fields    []string
	data      string
	file      string
}

func newCallCommand(g *globalFlags) *cobra.Command {
	f := &callFlags{}

	cmd := &cobra.Command{
		Use:   "call <key>",
		Short: "エンドポイントキーを指定してAPIを呼び出す",
		Example: `  closetctl call getTrending --param limit=5
  closetctl call getProduct --path id=p-003
  closetctl call --protected --user u1 addShoppingListItem --method POST --data '{"product_id":"p-003"}'
  closetctl call --protected --user u1 uploadImage --method POST --file look.heic`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			client, err := g.newClient()
			if err != nil {
				return err
			}

			var result json.RawMessage
			if f.protected {
				result, err = client.CallProtected(cmd.Context(), args[0], opts)
			} else {
				result, err = client.CallPublic(cmd.Context(), args[0], opts)
			}
			if err != nil {
				return describe(err)
			}
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			// 保護されたエンドポイントの4xxはデータとして返るため、ここで終了コードに反映する
			if msg, ok := apiclient.ErrorMessage(result); ok {
				return fmt.Errorf("サーバーがエラーを返しました: %s", msg)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&f.protected, "protected", "p", false, "保護されたエンドポイントとして呼び出す")
	cmd.Flags().StringVarP(&f.method, "method", "X", "", "HTTPメソッド（省略時はGET）")
	cmd.Flags().StringArrayVar(&f.params, "param", nil, "クエリパラメータ key=value（GETのみ）")
	cmd.Flags().StringArrayVar(&f.paths, "path", nil, "パスパラメータ name=value")
	cmd.Flags().StringArrayVar(&f.fields, "field", nil, "フォームフィールド name=value（--file と併用）")
	cmd.Flags().StringVarP(&f.data, "data", "d", "", "JSONのリクエストボディ")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "マルチパートで送信するファイル")
	cmd.MarkFlagsMutuallyExclusive("data", "file")
	return cmd
}

// options はフラグから呼び出しオプションを組み立てる。
func (f *callFlags) options() (apiclient.Options, error) {
	opts := apiclient.Options{Method: f.method}

	if len(f.params) > 0 {
		opts.Params = url.Values{}
		for _, kv := range f.params {
			k, v, err := splitPair(kv)
			if err != nil {
				return opts, err
			}
			opts.Params.Add(k, v)
		}
	}
	if len(f.paths) > 0 {
		opts.PathParams = make(map[string]string, len(f.paths))
		for _, kv := range f.paths {
			k, v, err := splitPair(kv)
			if err != nil {
				return opts, err
			}
			opts.PathParams[k] = v
		}
	}

	switch {
	case f.data != "":
		if !json.Valid([]byte(f.data)) {
			return opts, errors.New("--data はJSONである必要があります")
		}
		opts.Data = json.RawMessage(f.data)
	case f.file != "":
		content, err := os.ReadFile(f.file)
		if err != nil {
			return opts, fmt.Errorf("ファイルの読み込みに失敗: %w", err)
		}
		form := apiclient.NewFormData()
		for _, kv := range f.fields {
			k, v, err := splitPair(kv)
			if err != nil {
				return opts, err
			}
			form.AddField(k, v)
		}
		form.AddFile("file", filepath.Base(f.file), mimetype.Detect(content).String(), bytes.NewReader(content))
		opts.Data = form
	}
	return opts, nil
}

// splitPair は "key=value" を分割する。
func splitPair(kv string) (string, string, error) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", fmt.Errorf("key=value 形式で指定してください: %q", kv)
	}
	return k, v, nil
}

// describe はゲートウェイのエラーを利用者向けのメッセージにする。
func describe(err error) error {
	var te *apiclient.TransportError
	switch {
	case errors.Is(err, apiclient.ErrUnauthenticated):
		return fmt.Errorf("認証されていません。--user または %s を指定してください: %w", tokenEnv, err)
	case errors.Is(err, apiclient.ErrConfiguration):
		return fmt.Errorf("エンドポイントの指定が不正です: %w", err)
	case errors.As(err, &te) && te.StatusCode != 0:
		if msg, ok := apiclient.ErrorMessage(te.Body); ok {
			return fmt.Errorf("HTTP %d: %s", te.StatusCode, msg)
		}
	}
	return err
}

// printJSON は結果を整形して出力する。
func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	out := cmd.OutOrStdout()
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("レスポンスの整形に失敗: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}
