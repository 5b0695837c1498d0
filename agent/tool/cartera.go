package tool

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/cloudwego/eino/schema"
)

const (
	ToolConsultarCartera  = "consultar_cartera"
	ToolAnalizarMorosidad = "analizar_morosidad"
	ToolGenerarFactura    = "generar_factura"

	ivaRate = 0.19
)

func consultarCartera() Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolConsultarCartera,
			Desc: "Consulta el estado de cartera de un estudiante o programa.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"documento": stringParam("Documento del estudiante", false),
				"programa":  stringParam("Programa académico", false),
			}),
		},
		Run: func(_ context.Context, args map[string]any) (any, error) {
			documento := optionalString(args, "documento")
			programa := optionalString(args, "programa")
			r := seeded(ToolConsultarCartera, documento, programa)

			if documento != "" {
				estados := []string{"Al día", "En mora", "Acuerdo de pago"}
				return map[string]any{
					"tipo":      "individual",
					"documento": documento,
					"nombre":    "Juan Carlos Pérez López",
					"cartera": map[string]any{
						"total_deuda":       between(r, 0, 5000000),
						"vencida":           between(r, 0, 2000000),
						"al_dia":            between(r, 0, 3000000),
						"ultimo_pago":       "2025-01-15",
						"monto_ultimo_pago": 1500000,
						"estado":            estados[r.Intn(len(estados))],
					},
				}, nil
			}

			if programa == "" {
				programa = "Todos"
			}
			return map[string]any{
				"tipo":     "consolidado",
				"programa": programa,
				"cartera": map[string]any{
					"total":          between(r, 800000000, 1200000000),
					"corriente":      between(r, 500000000, 700000000),
					"vencida_30":     between(r, 50000000, 100000000),
					"vencida_60":     between(r, 30000000, 80000000),
					"vencida_90_mas": between(r, 100000000, 200000000),
					"provision":      between(r, 80000000, 120000000),
				},
				"indicadores": map[string]any{
					"tasa_morosidad":     strconv.Itoa(between(r, 8, 15)) + "%",
					"dias_promedio_mora": between(r, 25, 45),
					"recuperacion_mes":   between(r, 50000000, 150000000),
				},
			}, nil
		},
	}
}

func analizarMorosidad() Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolAnalizarMorosidad,
			Desc: "Analiza patrones y tendencias de morosidad estudiantil.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"periodo":  stringParam("Periodo a analizar", true),
				"segmento": stringParam("Segmento específico", false),
			}),
		},
		Run: func(_ context.Context, args map[string]any) (any, error) {
			periodo, err := requireString(args, "periodo")
			if err != nil {
				return nil, err
			}
			segmento := optionalString(args, "segmento")
			r := seeded(ToolAnalizarMorosidad, periodo, segmento)
			if segmento == "" {
				segmento = "General"
			}
			bucket := func(c0, c1, m0, m1 int) map[string]any {
				return map[string]any{"cantidad": between(r, c0, c1), "monto": between(r, m0, m1)}
			}
			tendencia := "Deteriorando"
			if r.Float64() > 0.5 {
				tendencia = "Mejorando"
			}
			return map[string]any{
				"periodo":  periodo,
				"segmento": segmento,
				"analisis": map[string]any{
					"estudiantes_morosos":  between(r, 200, 400),
					"porcentaje_poblacion": strconv.Itoa(between(r, 8, 15)) + "%",
					"monto_en_mora":        between(r, 150000000, 300000000),
					"edad_promedio_deuda":  strconv.Itoa(between(r, 60, 120)) + " días",
				},
				"segmentacion_mora": map[string]any{
					"30_dias": bucket(100, 150, 30000000, 50000000),
					"60_dias": bucket(50, 80, 40000000, 70000000),
					"90_dias": bucket(30, 60, 50000000, 100000000),
					"mas_90":  bucket(20, 50, 80000000, 150000000),
				},
				"tendencia": tendencia,
				"recomendaciones": []string{
					"Fortalecer cobranza preventiva",
					"Implementar alertas tempranas",
					"Revisar políticas de financiación",
				},
			}, nil
		},
	}
}

// generarFactura drafts an invoice. Large amounts are held for approval
// before this runs.
func generarFactura(now func() time.Time) Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolGenerarFactura,
			Desc: "Genera una factura para un estudiante. REQUIERE APROBACIÓN HITL para valores altos.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"documento": stringParam("Documento del estudiante", true),
				"concepto":  stringParam("Concepto de facturación", true),
				"valor":     {Type: schema.Integer, Desc: "Valor a facturar", Required: true},
			}),
		},
		Run: func(_ context.Context, args map[string]any) (any, error) {
			documento, err := requireString(args, "documento")
			if err != nil {
				return nil, err
			}
			concepto, err := requireString(args, "concepto")
			if err != nil {
				return nil, err
			}
			valor, err := numberArg(args, "valor")
			if err != nil {
				return nil, err
			}
			if valor <= 0 {
				return nil, fmt.Errorf("valor must be positive")
			}
			ts := now().UTC()
			r := seeded(ToolGenerarFactura, documento, concepto, fmt.Sprintf("%.0f", valor))
			return map[string]any{
				"status": "generada",
				"factura": map[string]any{
					"numero":               fmt.Sprintf("FAC-%s-%04d", ts.Format("20060102"), between(r, 1000, 9999)),
					"fecha":                ts.Format(time.RFC3339),
					"documento_estudiante": documento,
					"concepto":             concepto,
					"valor":                int64(valor),
					"iva":                  int64(math.Round(valor * ivaRate)),
					"total":                int64(math.Round(valor * (1 + ivaRate))),
				},
			}, nil
		},
	}
}
